package container

import "crypto/sha256"

func sha256Of(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}
