package idcard

import (
	"encoding/asn1"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/cdoc"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// RecipientToken lets a card token unwrap encrypted container keys.
// Each unwrap performs exactly one PIN1 gated token call.
type RecipientToken struct {
	token domain.Token
	pin1  []byte
	data  *domain.CardDataSnapshot
}

// Ensure compiles
var _ cdoc.Token = (*RecipientToken)(nil)

// NewRecipientToken reads the card state used for error reporting
func NewRecipientToken(token domain.Token, pin1 string) (*RecipientToken, error) {
	data, err := Data(token)
	if err != nil {
		return nil, err
	}
	return &RecipientToken{
		token: token,
		pin1:  []byte(pin1),
		data:  data,
	}, nil
}

// Certificate returns DER encoded authentication certificate, or nil
// if the card reported an invalid one.
func (t *RecipientToken) Certificate() []byte {
	if _, err := t.data.AuthCertificate.X509(); err != nil {
		logger.KV(xlog.ERROR, "reason", "auth_certificate", "err", err.Error())
		return nil
	}
	return t.data.AuthCertificate.Data
}

func (t *RecipientToken) DecryptRSA(encryptedKey []byte) ([]byte, error) {
	key, err := t.token.Decrypt(t.pin1, encryptedKey, false)
	if err != nil {
		return nil, t.translate("Decrypt RSA recipient", err)
	}
	return key, nil
}

func (t *RecipientToken) DecryptEC(ephemeralPublicKey []byte) ([]byte, error) {
	point, err := publicKeyPoint(ephemeralPublicKey)
	if err != nil {
		return nil, &cdoc.DecryptionError{Op: "Decrypt EC recipient", Err: err}
	}
	secret, err := t.token.Decrypt(t.pin1, point, true)
	if err != nil {
		return nil, t.translate("Decrypt EC recipient", err)
	}
	return secret, nil
}

func (t *RecipientToken) translate(op string, err error) error {
	var cve *domain.CodeVerificationError
	if errors.As(err, &cve) {
		return verificationError(t.token, err, t.data)
	}
	logger.KV(xlog.ERROR, "reason", "decrypt", "op", op, "err", err.Error())
	return &cdoc.DecryptionError{Op: op, Err: err}
}

// verificationError attaches a fresh snapshot to a code verification
// failure, falling back to cached when the card cannot be re-read.
func verificationError(token domain.Token, err error, cached *domain.CardDataSnapshot) error {
	data, rerr := Data(token)
	if rerr != nil {
		logger.KV(xlog.WARNING, "reason", "reread", "err", rerr.Error())
		return &domain.PinVerificationError{Err: err, Data: cached, Stale: true}
	}
	return &domain.PinVerificationError{Err: err, Data: data}
}

// publicKeyPoint returns the raw EC point of a DER encoded SubjectPublicKeyInfo
func publicKeyPoint(spki []byte) ([]byte, error) {
	input := cryptobyte.String(spki)
	var info, algorithm cryptobyte.String
	var key asn1.BitString
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) || !input.Empty() ||
		!info.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!info.ReadASN1BitString(&key) {
		return nil, errors.New("malformed ephemeral public key")
	}
	point := key.RightAlign()
	if len(point) == 0 || point[0] != 0x04 {
		return nil, errors.New("ephemeral public key is not an uncompressed point")
	}
	return point, nil
}
