package registry

import (
	"crypto/rand"
	"encoding/hex"
)

// newToken mirrors secrets.token_hex(32): 32 random bytes, hex-encoded
// to a 64-character string.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
