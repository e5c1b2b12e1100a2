// Package auth validates the shared tokens carried by admin requests.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an admin token.
type Validator interface {
	Validate(token string) error
}

// TokenSet accepts any one of its tokens. An empty set denies everything.
// More than one token lets an operator rotate without a flag day.
type TokenSet struct {
	tokens [][]byte
}

// ParseTokens splits a comma separated token list.
func ParseTokens(raw string) TokenSet {
	var set TokenSet
	for _, tok := range strings.Split(raw, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			set.tokens = append(set.tokens, []byte(tok))
		}
	}
	return set
}

func (s TokenSet) Len() int { return len(s.tokens) }

func (s TokenSet) Validate(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	matched := 0
	for _, want := range s.tokens {
		matched |= subtle.ConstantTimeCompare(want, []byte(token))
	}
	if matched != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Open accepts every token.
var Open Validator = FuncValidator(func(string) error { return nil })

// ForAdmin returns the validator for an admin endpoint configured with raw.
// An empty raw value yields Open when allowOpen is set, otherwise a
// validator that denies everything.
func ForAdmin(raw string, allowOpen bool) Validator {
	set := ParseTokens(raw)
	if set.Len() == 0 && allowOpen {
		return Open
	}
	return set
}
