package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// minTokenBytes floors the token entropy when the configured length is
// missing or too small.
const minTokenBytes = 16

// newTokenGenerator returns a generator producing hex-encoded session
// tokens from length cryptographically random bytes.
func newTokenGenerator(length int) func() (string, error) {
	if length < minTokenBytes {
		length = minTokenBytes
	}
	return func() (string, error) {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		return hex.EncodeToString(buf), nil
	}
}
