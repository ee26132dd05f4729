package container

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrInvalidSignature is returned when signature value does not verify
var ErrInvalidSignature = errors.New("invalid signature")

func newSignatureID() string {
	return "S-" + uuid.NewString()
}

func parseCertificate(der []byte) (*x509.Certificate, error) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse signing certificate")
	}
	return crt, nil
}

func verify(s *Signature, documents []documentDigest) error {
	crt, err := parseCertificate(s.Certificate)
	if err != nil {
		return err
	}
	p := &signedProperties{Documents: documents, Certificate: s.Certificate, SigningTime: s.SigningTime}
	digest, err := p.digest()
	if err != nil {
		return err
	}

	switch pub := crt.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, s.Value); err != nil {
			return errors.WithStack(ErrInvalidSignature)
		}
		return nil
	case *ecdsa.PublicKey:
		if verifyECDSA(pub, digest, s.Value) {
			return nil
		}
		return errors.WithStack(ErrInvalidSignature)
	}
	return errors.Errorf("unsupported signing key: %T", crt.PublicKey)
}

// verifyECDSA accepts both raw r||s and ASN.1 encoded signatures
func verifyECDSA(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) == 2*size {
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		if ecdsa.Verify(pub, digest, r, s) {
			return true
		}
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}
