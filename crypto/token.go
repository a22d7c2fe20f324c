package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const sessionTokenBytes = 32

// ErrTokenMismatch indicates a presented session token does not match.
var ErrTokenMismatch = errors.New("crypto: session token mismatch")

// GenerateSessionToken returns a URL-safe random token issued after pairing.
func GenerateSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashSessionToken hashes a token for in-memory comparison.
// A cost of 0 selects bcrypt.DefaultCost.
func HashSessionToken(token string, cost int) ([]byte, error) {
	if token == "" {
		return nil, errors.New("session token is required")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return nil, fmt.Errorf("hash session token: %w", err)
	}
	return hash, nil
}

// VerifySessionToken checks token against a hash from HashSessionToken.
func VerifySessionToken(hash []byte, token string) error {
	if len(hash) == 0 || token == "" {
		return ErrTokenMismatch
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return ErrTokenMismatch
	}
	return nil
}
