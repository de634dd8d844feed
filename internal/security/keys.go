package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPrefix marks raw temporary key secrets.
const KeyPrefix = "tk_"

const secretBytes = 32

// GenerateSecret returns a new raw temporary key: the tk_ prefix followed by
// 32 random bytes in unpadded URL-safe base64.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the lowercase hex SHA-256 digest of a raw key. Only this
// digest is ever persisted.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
