// Package cdoc implements a minimal encrypted container: a JSON envelope
// holding an AES-256-GCM encrypted payload and one wrapped content key per
// recipient. RSA recipients carry the key under PKCS#1 v1.5 key transport,
// EC recipients an ephemeral public key and the key wrapped under a KEK
// derived from the ECDH shared secret.
package cdoc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/hkdf"
)

// MediaType of the serialized envelope
const MediaType = "application/x-cdoc+json"

const (
	envelopeVersion = 1
	contentKeySize  = 32
	kekInfo         = "cdoc ecdh-es key wrap"
)

type RecipientType string

const (
	RecipientRSA RecipientType = "RSA"
	RecipientEC  RecipientType = "EC"
)

// Recipient identifies one party's wrapped content key
type Recipient struct {
	Type        RecipientType `json:"type"`
	Certificate []byte        `json:"certificate"`
	// EncryptedKey is the RSA encrypted content key, or for EC recipients
	// the content key sealed with the derived KEK.
	EncryptedKey []byte `json:"encryptedKey"`
	// EphemeralPublicKey is DER encoded SubjectPublicKeyInfo, EC only
	EphemeralPublicKey []byte `json:"ephemeralPublicKey,omitempty"`
}

type Envelope struct {
	Version    int         `json:"version"`
	Recipients []Recipient `json:"recipients"`
	Payload    []byte      `json:"payload"`
}

// File is a decrypted payload entry
type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Token is the capability set required from a recipient's key holder
type Token interface {
	// Certificate returns the recipient certificate, or nil if unknown
	Certificate() []byte
	// DecryptRSA returns the content key of an RSA recipient
	DecryptRSA(encryptedKey []byte) ([]byte, error)
	// DecryptEC returns the ECDH shared secret for the recipient's
	// ephemeral public key
	DecryptEC(ephemeralPublicKey []byte) ([]byte, error)
}

// DecryptionError is returned when the recipient key could not be unwrapped
type DecryptionError struct {
	Op  string
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Read parses the envelope
func Read(r io.Reader) (*Envelope, error) {
	var e Envelope
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, errors.WithMessage(err, "failed to decode envelope")
	}
	if e.Version != envelopeVersion {
		return nil, errors.Errorf("unsupported envelope version: %d", e.Version)
	}
	if len(e.Recipients) == 0 {
		return nil, errors.New("envelope has no recipients")
	}
	return &e, nil
}

// Write serializes the envelope
func (e *Envelope) Write(w io.Writer) error {
	return errors.WithStack(json.NewEncoder(w).Encode(e))
}

func deriveKEK(sharedSecret []byte) ([]byte, error) {
	kek := make([]byte, contentKeySize)
	if _, err := io.ReadFull(hkdf.New(sha512.New384, sharedSecret, nil, []byte(kekInfo)), kek); err != nil {
		return nil, errors.WithStack(err)
	}
	return kek, nil
}

// seal returns nonce||ciphertext
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("invalid data")
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decrypt")
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return gcm, nil
}
