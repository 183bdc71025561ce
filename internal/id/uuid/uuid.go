// Package uuid provides ID generation helpers backed by google/uuid.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// referralCodeLen is the number of hex characters in a referral code.
const referralCodeLen = 8

// Generator creates UUID v7 strings and referral codes.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string; stat events and request IDs sort by creation time.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewReferralCode returns an 8 character upper-case hex code taken from the
// random bits of a UUIDv4.
func (Generator) NewReferralCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return strings.ToUpper(hex[:referralCodeLen]), nil
}
