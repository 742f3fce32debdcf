// Package token generates the opaque, shareable link tokens.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	// Alphabet is the default token alphabet: lowercase letters and digits
	Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// DefaultLength gives ~51 bits of entropy with Alphabet
	DefaultLength = 10
)

// Generator produces candidate tokens. Uniqueness is enforced by the link store,
// so a generator only has to make collisions unlikely.
type Generator interface {
	Generate() (string, error)
}

// Random draws tokens of a fixed length from an alphabet using crypto/rand
type Random struct {
	alphabet string
	length   int
	max      *big.Int
}

// NewRandom builds a Random generator. An empty alphabet selects Alphabet.
func NewRandom(length int, alphabet string) (*Random, error) {
	if alphabet == "" {
		alphabet = Alphabet
	}
	if length <= 0 {
		return nil, fmt.Errorf("token length must be positive, got %d", length)
	}
	if len(alphabet) < 2 {
		return nil, errors.New("token alphabet needs at least two symbols")
	}
	return &Random{
		alphabet: alphabet,
		length:   length,
		max:      big.NewInt(int64(len(alphabet))),
	}, nil
}

// Generate returns a fresh random token
func (r *Random) Generate() (string, error) {
	result := make([]byte, r.length)
	for i := range result {
		n, err := rand.Int(rand.Reader, r.max)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = r.alphabet[n.Int64()]
	}
	return string(result), nil
}

// MaxLength bounds tokens accepted from the outside, whatever length is configured
const MaxLength = 64

// Valid reports whether s is drawn from r's alphabet and no longer than MaxLength.
// The length is not pinned to r's own so links minted under an older setting keep working.
func (r *Random) Valid(s string) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !containsByte(r.alphabet, s[i]) {
			return false
		}
	}
	return true
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}
