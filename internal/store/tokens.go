package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// StateTokenByteLength is the entropy of generated state tokens.
const StateTokenByteLength = 32

// GenerateOpaqueToken returns a URL-safe random token and its hash.
func GenerateOpaqueToken() (string, string, error) {
	randomBytes := make([]byte, StateTokenByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("state_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, HashOpaque(opaque), nil
}

// HashOpaque derives the persisted lookup key for an opaque token.
func HashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
