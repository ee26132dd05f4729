// Package pkcs11token implements domain.Token over a PKCS#11 module exposing
// the eID card as two slots, one per PIN.
package pkcs11token

import (
	"crypto/x509"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "pkcs11token")

const defaultRetryCounter = 3

// Module is the subset of *pkcs11.Ctx used by Token
type Module interface {
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error)
	DeriveKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, basekey pkcs11.ObjectHandle, a []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	SetPIN(sh pkcs11.SessionHandle, oldpin string, newpin string) error
	InitPIN(sh pkcs11.SessionHandle, pin string) error
}

// Ensure compiles
var (
	_ Module       = (*pkcs11.Ctx)(nil)
	_ domain.Token = (*Token)(nil)
)

// ecdhMechanism builds the CKM_ECDH1_DERIVE mechanism for the peer point
var ecdhMechanism = func(point []byte) *pkcs11.Mechanism {
	return pkcs11.NewMechanism(pkcs11.CKM_ECDH1_DERIVE, pkcs11.NewECDH1DeriveParams(pkcs11.CKD_NULL, nil, point))
}

// Token implements domain.Token over a PKCS#11 module
type Token struct {
	mu       sync.Mutex
	module   Module
	authSlot uint
	signSlot uint
}

// LoadModule loads and initializes the module library, the returned
// function finalizes it.
func LoadModule(path string) (*pkcs11.Ctx, func(), error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, nil, errors.Errorf("failed to load PKCS#11 module: %s", path)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, nil, errors.WithMessagef(err, "failed to initialize PKCS#11 module: %s", path)
	}
	return ctx, func() {
		_ = ctx.Finalize()
		ctx.Destroy()
	}, nil
}

// Open loads the module library and returns token of the first card
// found, and the function releasing the module.
func Open(path string) (*Token, func(), error) {
	ctx, closer, err := LoadModule(path)
	if err != nil {
		return nil, nil, err
	}
	t, err := New(ctx)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return t, closer, nil
}

// New locates the authentication and signing slots. Slots are matched by
// the "(PIN1)" and "(PIN2)" token label suffix, falling back to slot order.
func New(module Module) (*Token, error) {
	slots, err := module.GetSlotList(true)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list slots")
	}
	if len(slots) < 2 {
		return nil, errors.Mark(errors.Errorf("expected authentication and signing slots, found %d", len(slots)), domain.ErrUnsupportedCard)
	}

	t := &Token{module: module, authSlot: slots[0], signSlot: slots[1]}
	for _, slot := range slots {
		ti, err := module.GetTokenInfo(slot)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "token_info", "slot", slot, "err", err.Error())
			continue
		}
		label := strings.ToUpper(strings.TrimSpace(ti.Label))
		switch {
		case strings.HasSuffix(label, "(PIN1)"):
			t.authSlot = slot
		case strings.HasSuffix(label, "(PIN2)"):
			t.signSlot = slot
		}
	}
	logger.KV(xlog.DEBUG, "auth_slot", t.authSlot, "sign_slot", t.signSlot)
	return t, nil
}

func (t *Token) PersonalData() (domain.PersonalData, error) {
	der, err := t.Certificate(domain.CertificateTypeAuthentication)
	if err != nil {
		return domain.PersonalData{}, err
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return domain.PersonalData{}, errors.WithMessage(err, "failed to parse authentication certificate")
	}
	return personalData(crt), nil
}

// personalData extracts what the certificate subject carries; the card
// file data is not reachable through PKCS#11.
func personalData(crt *x509.Certificate) domain.PersonalData {
	pd := domain.PersonalData{
		ExpiryDate: crt.NotAfter.Format("2006-01-02"),
	}
	parts := strings.Split(crt.Subject.CommonName, ",")
	if len(parts) == 3 {
		pd.Surname, pd.GivenNames, pd.PersonalCode = parts[0], parts[1], parts[2]
	}
	if serial := crt.Subject.SerialNumber; serial != "" {
		// PNOEE-38001085718
		if _, code, ok := strings.Cut(serial, "-"); ok {
			pd.PersonalCode = code
		}
	}
	if len(crt.Subject.Country) > 0 {
		pd.Citizenship = crt.Subject.Country[0]
	}
	return pd
}

func (t *Token) Certificate(kind domain.CertificateType) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := t.authSlot
	if kind == domain.CertificateTypeSigning {
		slot = t.signSlot
	}

	var der []byte
	err := t.withSession(slot, false, func(sh pkcs11.SessionHandle) error {
		o, err := t.findObject(sh, pkcs11.CKO_CERTIFICATE)
		if err != nil {
			return err
		}
		attrs, err := t.module.GetAttributeValue(sh, o, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return t.ioError("read certificate", err)
		}
		if len(attrs) == 0 || len(attrs[0].Value) == 0 {
			return errors.Errorf("empty %s certificate", kind)
		}
		der = attrs[0].Value
		return nil
	})
	return der, err
}

func (t *Token) CodeRetryCounter(code domain.CodeType) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCounter(code)
}

func (t *Token) retryCounter(code domain.CodeType) (int, error) {
	slot, so, err := t.codeSlot(code)
	if err != nil {
		return 0, err
	}
	ti, err := t.module.GetTokenInfo(slot)
	if err != nil {
		return 0, t.ioError("token info", err)
	}

	low, final, locked := uint(pkcs11.CKF_USER_PIN_COUNT_LOW), uint(pkcs11.CKF_USER_PIN_FINAL_TRY), uint(pkcs11.CKF_USER_PIN_LOCKED)
	if so {
		low, final, locked = pkcs11.CKF_SO_PIN_COUNT_LOW, pkcs11.CKF_SO_PIN_FINAL_TRY, pkcs11.CKF_SO_PIN_LOCKED
	}
	switch {
	case ti.Flags&locked != 0:
		return 0, nil
	case ti.Flags&final != 0:
		return 1, nil
	case ti.Flags&low != 0:
		return defaultRetryCounter - 1, nil
	}
	return defaultRetryCounter, nil
}

func (t *Token) CalculateSignature(pin2, digest []byte, ecc bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mechanism := pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	data := digest
	if !ecc {
		var err error
		if data, err = domain.DigestInfo(digest); err != nil {
			return nil, err
		}
		mechanism = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	}

	var signature []byte
	err := t.withSession(t.signSlot, false, func(sh pkcs11.SessionHandle) error {
		if err := t.login(sh, pkcs11.CKU_USER, domain.CodeTypePIN2, pin2); err != nil {
			return err
		}
		defer func() { _ = t.module.Logout(sh) }()

		key, err := t.findObject(sh, pkcs11.CKO_PRIVATE_KEY)
		if err != nil {
			return err
		}
		if err = t.module.SignInit(sh, []*pkcs11.Mechanism{mechanism}, key); err != nil {
			return t.ioError("sign init", err)
		}
		if signature, err = t.module.Sign(sh, data); err != nil {
			return t.ioError("sign", err)
		}
		return nil
	})
	return signature, err
}

func (t *Token) Decrypt(pin1, data []byte, ecc bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []byte
	err := t.withSession(t.authSlot, false, func(sh pkcs11.SessionHandle) error {
		if err := t.login(sh, pkcs11.CKU_USER, domain.CodeTypePIN1, pin1); err != nil {
			return err
		}
		defer func() { _ = t.module.Logout(sh) }()

		key, err := t.findObject(sh, pkcs11.CKO_PRIVATE_KEY)
		if err != nil {
			return err
		}
		if ecc {
			result, err = t.derive(sh, key, data)
			return err
		}
		if err = t.module.DecryptInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}, key); err != nil {
			return t.ioError("decrypt init", err)
		}
		if result, err = t.module.Decrypt(sh, data); err != nil {
			return t.ioError("decrypt", err)
		}
		return nil
	})
	return result, err
}

// derive returns the ECDH shared secret with the peer point
func (t *Token) derive(sh pkcs11.SessionHandle, key pkcs11.ObjectHandle, point []byte) ([]byte, error) {
	if len(point) < 3 || point[0] != 0x04 {
		return nil, errors.New("peer key is not an uncompressed point")
	}
	size := (len(point) - 1) / 2

	secret, err := t.module.DeriveKey(sh, []*pkcs11.Mechanism{ecdhMechanism(point)}, key, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, false),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, size),
	})
	if err != nil {
		return nil, t.ioError("derive", err)
	}
	attrs, err := t.module.GetAttributeValue(sh, secret, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, t.ioError("read derived key", err)
	}
	if len(attrs) == 0 {
		return nil, errors.New("empty derived key")
	}
	return attrs[0].Value, nil
}

func (t *Token) ChangeCode(code domain.CodeType, currentCode, newCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, so, err := t.codeSlot(code)
	if err != nil {
		return err
	}
	userType := uint(pkcs11.CKU_USER)
	if so {
		userType = pkcs11.CKU_SO
	}
	return t.withSession(slot, true, func(sh pkcs11.SessionHandle) error {
		if err := t.login(sh, userType, code, currentCode); err != nil {
			return err
		}
		defer func() { _ = t.module.Logout(sh) }()

		if err := t.module.SetPIN(sh, string(currentCode), string(newCode)); err != nil {
			return t.codeError(code, err)
		}
		return nil
	})
}

func (t *Token) UnblockAndChangeCode(puk []byte, code domain.CodeType, newCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if code == domain.CodeTypePUK {
		return errors.New("PUK cannot be unblocked")
	}
	slot, _, err := t.codeSlot(code)
	if err != nil {
		return err
	}
	return t.withSession(slot, true, func(sh pkcs11.SessionHandle) error {
		if err := t.login(sh, pkcs11.CKU_SO, domain.CodeTypePUK, puk); err != nil {
			return err
		}
		defer func() { _ = t.module.Logout(sh) }()

		if err := t.module.InitPIN(sh, string(newCode)); err != nil {
			return t.ioError("init PIN", err)
		}
		return nil
	})
}

// codeSlot returns the slot holding the code, and true for the SO code
func (t *Token) codeSlot(code domain.CodeType) (uint, bool, error) {
	switch code {
	case domain.CodeTypePIN1:
		return t.authSlot, false, nil
	case domain.CodeTypePIN2:
		return t.signSlot, false, nil
	case domain.CodeTypePUK:
		return t.authSlot, true, nil
	}
	return 0, false, errors.Errorf("unsupported code: %v", code)
}

func (t *Token) withSession(slot uint, rw bool, fn func(sh pkcs11.SessionHandle) error) error {
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if rw {
		flags |= pkcs11.CKF_RW_SESSION
	}
	sh, err := t.module.OpenSession(slot, flags)
	if err != nil {
		return t.ioError("open session", err)
	}
	defer func() { _ = t.module.CloseSession(sh) }()
	return fn(sh)
}

func (t *Token) findObject(sh pkcs11.SessionHandle, class uint) (pkcs11.ObjectHandle, error) {
	if err := t.module.FindObjectsInit(sh, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}); err != nil {
		return 0, t.ioError("find objects", err)
	}
	objects, _, err := t.module.FindObjects(sh, 1)
	_ = t.module.FindObjectsFinal(sh)
	if err != nil {
		return 0, t.ioError("find objects", err)
	}
	if len(objects) == 0 {
		return 0, errors.Errorf("object not found: class=%d", class)
	}
	return objects[0], nil
}

func (t *Token) login(sh pkcs11.SessionHandle, userType uint, code domain.CodeType, pin []byte) error {
	err := t.module.Login(sh, userType, string(pin))
	if err == nil || errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		return nil
	}
	return t.codeError(code, err)
}

// codeError maps PIN failures to CodeVerificationError with the counter
// reported by the token after the failure.
func (t *Token) codeError(code domain.CodeType, err error) error {
	switch {
	case errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_LOCKED)):
		return &domain.CodeVerificationError{Code: code}
	case errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)):
		counter, cerr := t.retryCounter(code)
		if cerr != nil {
			return cerr
		}
		return &domain.CodeVerificationError{Code: code, RetryCounter: counter}
	case errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_LEN_RANGE)), errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INVALID)):
		return errors.WithMessagef(err, "invalid %s", code)
	}
	return t.ioError("login", err)
}

func (t *Token) ioError(op string, err error) error {
	switch {
	case errors.Is(err, pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED)),
		errors.Is(err, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)),
		errors.Is(err, pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)),
		errors.Is(err, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)):
		return &domain.TokenIOError{Op: op, Err: err}
	}
	return errors.WithMessage(err, op)
}
