// Package sessioncode generates and validates the short numeric codes that
// let a receiver find a sender's pending transfer.
package sessioncode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// Length is the number of decimal digits in a session code.
const Length = 6

// ErrInvalid is returned by Validate for codes that are not exactly Length
// ASCII digits.
var ErrInvalid = errors.New("session code must be exactly 6 digits")

var space = big.NewInt(1_000_000)

// Generate returns a code drawn uniformly from 000000-999999.
//
// r defaults to crypto/rand.Reader. Uniqueness is not the generator's job; the
// session store detects collisions with live codes and retries.
func Generate(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, space)
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	return fmt.Sprintf("%0*d", Length, n.Int64()), nil
}

// Normalize strips surrounding whitespace from user input.
func Normalize(raw string) string {
	return strings.TrimSpace(raw)
}

// Validate reports whether code is a well-formed session code. Clients call it
// before sending anything to the relay.
func Validate(code string) error {
	if len(code) != Length {
		return ErrInvalid
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalid
		}
	}
	return nil
}
