package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 8
	// CodeAlphabet lists the characters a pairing code may contain.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// GenerateCode returns a fresh pairing code.
// Codes are short human-typable secrets; uniqueness is not guaranteed.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// MustGenerateCode is GenerateCode for callers that cannot recover from a
// failing system random source.
func MustGenerateCode() string {
	code, err := GenerateCode()
	if err != nil {
		panic(err)
	}
	return code
}

// ValidateCode reports whether code has the pairing code shape.
func ValidateCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// NormalizeEnteredCode trims what a user typed. Case is kept: codes are
// compared exactly as generated.
func NormalizeEnteredCode(code string) string {
	return strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
}
