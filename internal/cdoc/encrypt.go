package cdoc

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Encrypt seals files for the recipients' certificates
func Encrypt(files []File, recipients [][]byte) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	key := make([]byte, contentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.WithStack(err)
	}

	plain, err := json.Marshal(files)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to marshal files")
	}
	payload, err := seal(key, plain)
	if err != nil {
		return nil, err
	}

	e := &Envelope{Version: envelopeVersion, Payload: payload}
	for _, der := range recipients {
		r, err := newRecipient(der, key)
		if err != nil {
			return nil, err
		}
		e.Recipients = append(e.Recipients, r)
	}
	return e, nil
}

func newRecipient(der, key []byte) (Recipient, error) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return Recipient{}, errors.WithMessage(err, "failed to parse recipient certificate")
	}

	switch pub := crt.PublicKey.(type) {
	case *rsa.PublicKey:
		encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
		if err != nil {
			return Recipient{}, errors.WithStack(err)
		}
		return Recipient{Type: RecipientRSA, Certificate: der, EncryptedKey: encrypted}, nil

	case *ecdsa.PublicKey:
		recipientKey, err := pub.ECDH()
		if err != nil {
			return Recipient{}, errors.WithStack(err)
		}
		ephemeral, err := recipientKey.Curve().GenerateKey(rand.Reader)
		if err != nil {
			return Recipient{}, errors.WithStack(err)
		}
		shared, err := ephemeral.ECDH(recipientKey)
		if err != nil {
			return Recipient{}, errors.WithStack(err)
		}
		kek, err := deriveKEK(shared)
		if err != nil {
			return Recipient{}, err
		}
		wrapped, err := seal(kek, key)
		if err != nil {
			return Recipient{}, err
		}
		spki, err := x509.MarshalPKIXPublicKey(ephemeral.PublicKey())
		if err != nil {
			return Recipient{}, errors.WithStack(err)
		}
		return Recipient{Type: RecipientEC, Certificate: der, EncryptedKey: wrapped, EphemeralPublicKey: spki}, nil
	}

	return Recipient{}, errors.Errorf("unsupported recipient key: %T", crt.PublicKey)
}
