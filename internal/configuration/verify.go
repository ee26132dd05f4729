package configuration

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
)

// ParsePublicKey parses PEM encoded RSA public key, in PKIX or PKCS#1 form
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to parse public key")
		}
		return key, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse public key")
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unsupported public key: %T", pub)
	}
	return key, nil
}

// Verify checks the base64 encoded signature over data with SHA-512, then
// SHA-256, RSA PKCS#1 v1.5. Any failure is a ConfigurationIntegrityError.
func Verify(source string, data, signature, publicKey []byte) error {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return &domain.ConfigurationIntegrityError{Source: source, Err: err}
	}
	sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(signature)))
	if err != nil {
		return &domain.ConfigurationIntegrityError{Source: source, Err: errors.WithMessage(err, "invalid signature encoding")}
	}

	data = bytes.TrimSpace(data)
	h512 := sha512.Sum512(data)
	if err = rsa.VerifyPKCS1v15(key, crypto.SHA512, h512[:], sig); err == nil {
		return nil
	}
	h256 := sha256.Sum256(data)
	if err = rsa.VerifyPKCS1v15(key, crypto.SHA256, h256[:], sig); err == nil {
		return nil
	}
	return &domain.ConfigurationIntegrityError{Source: source, Err: err}
}
