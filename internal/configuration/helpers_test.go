package configuration

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type signer struct {
	key *rsa.PrivateKey
	pub []byte
}

func newSigner(t *testing.T) *signer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return &signer{
		key: key,
		pub: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
	}
}

func (s *signer) sign(t *testing.T, data []byte) []byte {
	h := sha512.Sum512(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA512, h[:])
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(sig))
}

func (s *signer) signSHA256(t *testing.T, data []byte) []byte {
	h := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h[:])
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(sig))
}

func configJSON(serial int) []byte {
	return []byte(fmt.Sprintf(`{"META-INF":{"URL":"https://id.example.org/config.json","DATE":"20261001000000Z","SERIAL":%d,"VER":1},`+
		`"MID-PROXY-URL":"https://mid-proxy.example.org/mid-api","MID-SK-URL":"https://mid.example.org/mid-api",`+
		`"TSA-URL":"https://tsa.example.org","CERT-BUNDLE":["AQID"]}`, serial))
}
