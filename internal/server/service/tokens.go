package service

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"burnlink/internal/server/database"
)

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	charset := database.TokenCharset
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// newMessageToken returns a fresh opaque message token.
func newMessageToken() (string, error) {
	return generateSecureToken(database.TokenLength)
}
