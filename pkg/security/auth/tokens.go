package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"mercator-hq/concord/pkg/config"
)

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token matches no operator.
	ErrInvalidToken = errors.New("invalid bearer token")
)

type digest [32]byte

type entry struct {
	sum      digest
	operator string
}

// TokenSet maps bearer tokens to operators.
type TokenSet struct {
	entries []entry
}

// NewTokenSet builds a set from configured tokens.
func NewTokenSet(tokens []config.TokenConfig) (*TokenSet, error) {
	s := &TokenSet{entries: make([]entry, 0, len(tokens))}
	for i, tok := range tokens {
		if tok.Token == "" || tok.Operator == "" {
			return nil, fmt.Errorf("token %d: operator and token are required", i)
		}
		s.entries = append(s.entries, entry{sum: blake3.Sum256([]byte(tok.Token)), operator: tok.Operator})
	}
	return s, nil
}

// Len returns the number of tokens.
func (s *TokenSet) Len() int {
	return len(s.entries)
}

// Authenticate returns the operator token belongs to. Every entry is
// compared so the time taken does not depend on which one matches.
func (s *TokenSet) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	sum := blake3.Sum256([]byte(token))
	operator := ""
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(sum[:], e.sum[:]) == 1 {
			operator = e.operator
		}
	}
	if operator == "" {
		return "", ErrInvalidToken
	}
	return operator, nil
}
