package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generateRandomHex generates a cryptographically random hex string of n bytes.
func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newState returns an opaque value for the OAuth state parameter.
func newState() (string, error) {
	return generateRandomHex(16)
}
