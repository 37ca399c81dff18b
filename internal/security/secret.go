package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const sessionSecretEntropyBytes = 32

// GenerateSessionSecret returns a fresh per-session signing secret: the hex SHA-256 of 32 random bytes.
func GenerateSessionSecret() (string, error) {
	b := make([]byte, sessionSecretEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
