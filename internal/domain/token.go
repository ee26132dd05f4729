package domain

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// CodeType identifies the code a verification, change or unblock operation targets.
// PIN1 gates authentication and decryption, PIN2 gates signing, PUK unblocks both.
type CodeType int

const (
	CodeTypePIN1 CodeType = iota + 1
	CodeTypePIN2
	CodeTypePUK
)

func (c CodeType) String() string {
	switch c {
	case CodeTypePIN1:
		return "PIN1"
	case CodeTypePIN2:
		return "PIN2"
	case CodeTypePUK:
		return "PUK"
	}
	return "UNKNOWN"
}

// ParseCodeType parses PIN1, PIN2 or PUK
func ParseCodeType(s string) (CodeType, error) {
	switch strings.ToUpper(s) {
	case "PIN1":
		return CodeTypePIN1, nil
	case "PIN2":
		return CodeTypePIN2, nil
	case "PUK":
		return CodeTypePUK, nil
	}
	return 0, errors.Errorf("unsupported code type: %q", s)
}

func (c CodeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CodeType) UnmarshalText(text []byte) error {
	v, err := ParseCodeType(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

type CertificateType int

const (
	CertificateTypeAuthentication CertificateType = iota + 1
	CertificateTypeSigning
)

func (c CertificateType) String() string {
	if c == CertificateTypeSigning {
		return "SIGNING"
	}
	return "AUTHENTICATION"
}

// Token is a synchronous facade over a physical security token.
// All methods block on card I/O and must not be called concurrently on
// the same token. PIN gated methods fail with *CodeVerificationError
// when the code is wrong or blocked; the updated retry counter can be
// re-queried with CodeRetryCounter afterwards.
type Token interface {
	PersonalData() (PersonalData, error)
	Certificate(kind CertificateType) ([]byte, error)
	CodeRetryCounter(code CodeType) (int, error)
	// CalculateSignature signs the digest with the signing key. ecc selects
	// ECDSA and must be derived from the signing certificate by the caller.
	CalculateSignature(pin2, digest []byte, ecc bool) ([]byte, error)
	// Decrypt returns the decrypted RSA key transport block, or the ECDH
	// shared secret when ecc is set and data is an uncompressed EC point.
	Decrypt(pin1, data []byte, ecc bool) ([]byte, error)
	ChangeCode(code CodeType, currentCode, newCode []byte) error
	UnblockAndChangeCode(puk []byte, code CodeType, newCode []byte) error
}

// ReaderService observes card readers
type ReaderService interface {
	// Status returns a stream of reader status transitions; the channel
	// is closed when ctx is done.
	Status(ctx context.Context) <-chan ReaderStatus
}
