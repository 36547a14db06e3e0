package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// RefreshTokenPrefix identifies warden refresh tokens
	RefreshTokenPrefix = "wrt_"
	// TokenLength is the number of random bytes (256 bits)
	TokenLength = 32
)

// TokenGenerator generates opaque refresh tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken returns a token of the form wrt_<base64url(32 random bytes)>
// along with the hash to persist.
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = RefreshTokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, tg.HashToken(token), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks the prefix and encoding of a refresh token
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, RefreshTokenPrefix) {
		return fmt.Errorf("token must start with %q", RefreshTokenPrefix)
	}

	encoded := strings.TrimPrefix(token, RefreshTokenPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != TokenLength {
		return fmt.Errorf("token has wrong length")
	}

	return nil
}
