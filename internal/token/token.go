// Package token issues the opaque values that grant public access to a proof.
package token

import (
	"fmt"

	"github.com/google/uuid"
)

// Issuer produces unguessable, URL-safe tokens. Uniqueness across proofs is
// enforced by the store; an Issuer only has to make collisions improbable.
type Issuer interface {
	Issue() (string, error)
}

// Random issues version 4 UUIDs (122 random bits from crypto/rand).
type Random struct{}

func (Random) Issue() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return id.String(), nil
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func() (string, error)

func (f IssuerFunc) Issue() (string, error) { return f() }

// Valid reports whether s has the shape of an issued token. It is a cheap
// pre-check before hitting the store, not an authenticity check.
func Valid(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
