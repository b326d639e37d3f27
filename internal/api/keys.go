package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	keyPrefix   = "sgk_"
	keyRawBytes = 32
)

// GenerateKey creates a new API key with the sgk_ prefix. Returns the
// plaintext key (shown once) and the SHA-256 hash for storage.
func GenerateKey() (plaintext string, hash string, err error) {
	raw := make([]byte, keyRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashKey(plaintext), nil
}

// HashKey returns the SHA-256 hex digest of a key string.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// extractBearer pulls the bearer token out of an Authorization header.
// Returns empty string when absent or malformed.
func extractBearer(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
