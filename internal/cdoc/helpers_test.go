package cdoc

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"

	"github.com/cockroachdb/errors"
)

func parseSPKI(der []byte) (*ecdh.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	if k, ok := pub.(*ecdsa.PublicKey); ok {
		return k.ECDH()
	}
	return nil, errors.Errorf("unexpected key: %T", pub)
}
