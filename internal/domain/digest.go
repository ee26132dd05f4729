package domain

import (
	"github.com/cockroachdb/errors"
)

// DER encoded DigestInfo prefixes by digest length: SHA-1, SHA-224,
// SHA-256, SHA-384 and SHA-512
var digestInfoPrefix = map[int][]byte{
	20: {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	28: {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	32: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	48: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	64: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// DigestInfo wraps digest for RSA PKCS#1 v1.5 signing, the hash
// algorithm is implied by the digest length.
func DigestInfo(digest []byte) ([]byte, error) {
	prefix, ok := digestInfoPrefix[len(digest)]
	if !ok {
		return nil, errors.Errorf("unsupported digest length: %d", len(digest))
	}
	return append(append([]byte(nil), prefix...), digest...), nil
}
