// Package testutil provides certificates and keys for tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// KeyType selects the generated key algorithm
type KeyType int

const (
	RSA KeyType = iota
	EC
)

// Identity is a self-signed certificate with its private key
type Identity struct {
	Certificate []byte
	Key         crypto.Signer
}

// RSAKey returns the RSA private key, or nil
func (i Identity) RSAKey() *rsa.PrivateKey {
	k, _ := i.Key.(*rsa.PrivateKey)
	return k
}

// ECKey returns the EC private key, or nil
func (i Identity) ECKey() *ecdsa.PrivateKey {
	k, _ := i.Key.(*ecdsa.PrivateKey)
	return k
}

// NewIdentity creates a self-signed card holder certificate
func NewIdentity(t testing.TB, kt KeyType, organization, commonName string) Identity {
	t.Helper()

	var key crypto.Signer
	var err error
	switch kt {
	case EC:
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	default:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{organization},
			SerialNumber: "PNOEE-38001085718",
			Country:      []string{"EE"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(5 * 365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)

	return Identity{Certificate: der, Key: key}
}
