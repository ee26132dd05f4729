package testutil

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
)

const (
	PIN1 = "1234"
	PIN2 = "12345"
	PUK  = "12345678"
)

// ErrRemoved is returned by Token after Remove
var ErrRemoved = errors.New("card removed")

// Token is an in-memory domain.Token backed by generated keys
type Token struct {
	mu sync.Mutex

	Auth         Identity
	Sign         Identity
	Personal     domain.PersonalData
	codes        map[domain.CodeType]string
	counters     map[domain.CodeType]int
	removed      bool
	failReads    bool
	decryptCalls int
}

// Ensure compiles
var _ domain.Token = (*Token)(nil)

// NewToken returns token with default codes and full retry counters
func NewToken(t testing.TB, authKey, signKey KeyType, organization string) *Token {
	return &Token{
		Auth: NewIdentity(t, authKey, organization, "JÕEORG,JAAK-KRISTJAN,38001085718"),
		Sign: NewIdentity(t, signKey, organization, "JÕEORG,JAAK-KRISTJAN,38001085718"),
		Personal: domain.PersonalData{
			Surname:        "JÕEORG",
			GivenNames:     "JAAK-KRISTJAN",
			PersonalCode:   "38001085718",
			DocumentNumber: "AS0012345",
		},
		codes: map[domain.CodeType]string{
			domain.CodeTypePIN1: PIN1,
			domain.CodeTypePIN2: PIN2,
			domain.CodeTypePUK:  PUK,
		},
		counters: map[domain.CodeType]int{
			domain.CodeTypePIN1: 3,
			domain.CodeTypePIN2: 3,
			domain.CodeTypePUK:  3,
		},
	}
}

// Remove makes every subsequent call fail with ErrRemoved
func (t *Token) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = true
}

// FailReads makes data reads fail while PIN gated calls keep working
func (t *Token) FailReads(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failReads = fail
}

// DecryptCalls returns the number of Decrypt invocations
func (t *Token) DecryptCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decryptCalls
}

func (t *Token) readable() error {
	if t.removed {
		return &domain.TokenIOError{Op: "read", Err: ErrRemoved}
	}
	if t.failReads {
		return &domain.TokenIOError{Op: "read", Err: errors.New("read failed")}
	}
	return nil
}

func (t *Token) PersonalData() (domain.PersonalData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.readable(); err != nil {
		return domain.PersonalData{}, err
	}
	return t.Personal, nil
}

func (t *Token) Certificate(kind domain.CertificateType) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.readable(); err != nil {
		return nil, err
	}
	if kind == domain.CertificateTypeSigning {
		return t.Sign.Certificate, nil
	}
	return t.Auth.Certificate, nil
}

func (t *Token) CodeRetryCounter(code domain.CodeType) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.readable(); err != nil {
		return 0, err
	}
	c, ok := t.counters[code]
	if !ok {
		return 0, errors.Errorf("unsupported code: %v", code)
	}
	return c, nil
}

func (t *Token) verify(code domain.CodeType, value []byte) error {
	if t.removed {
		return &domain.TokenIOError{Op: "verify", Err: ErrRemoved}
	}
	if t.counters[code] == 0 {
		return &domain.CodeVerificationError{Code: code}
	}
	if !bytes.Equal(value, []byte(t.codes[code])) {
		t.counters[code]--
		return &domain.CodeVerificationError{Code: code, RetryCounter: t.counters[code]}
	}
	t.counters[code] = 3
	return nil
}

func (t *Token) CalculateSignature(pin2, digest []byte, ecc bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.verify(domain.CodeTypePIN2, pin2); err != nil {
		return nil, err
	}
	if ecc {
		key := t.Sign.ECKey()
		if key == nil {
			return nil, errors.New("signing key is not EC")
		}
		r, s, err := ecdsa.Sign(rand.Reader, key, digest)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return sig, nil
	}
	key := t.Sign.RSAKey()
	if key == nil {
		return nil, errors.New("signing key is not RSA")
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	return sig, errors.WithStack(err)
}

func (t *Token) Decrypt(pin1, data []byte, ecc bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decryptCalls++
	if err := t.verify(domain.CodeTypePIN1, pin1); err != nil {
		return nil, err
	}
	if ecc {
		key := t.Auth.ECKey()
		if key == nil {
			return nil, errors.New("authentication key is not EC")
		}
		priv, err := key.ECDH()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		pub, err := ecdh.P384().NewPublicKey(data)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		secret, err := priv.ECDH(pub)
		return secret, errors.WithStack(err)
	}
	key := t.Auth.RSAKey()
	if key == nil {
		return nil, errors.New("authentication key is not RSA")
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, data)
	return plain, errors.WithStack(err)
}

func (t *Token) ChangeCode(code domain.CodeType, currentCode, newCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.verify(code, currentCode); err != nil {
		return err
	}
	t.codes[code] = string(newCode)
	return nil
}

func (t *Token) UnblockAndChangeCode(puk []byte, code domain.CodeType, newCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if code == domain.CodeTypePUK {
		return errors.New("PUK cannot be unblocked")
	}
	if err := t.verify(domain.CodeTypePUK, puk); err != nil {
		return err
	}
	t.codes[code] = string(newCode)
	t.counters[code] = 3
	return nil
}
