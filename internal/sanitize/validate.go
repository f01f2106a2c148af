// Package sanitize validates caller-supplied identifiers before they reach
// storage or logs.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxIDLength bounds user and session identifiers.
const MaxIDLength = 128

// ErrInvalidID indicates an identifier failed validation.
var ErrInvalidID = errors.New("invalid identifier")

// idPattern allows the characters external identity providers commonly use
// in subject ids: letters, digits and _ - . @ : separators.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@:-]*$`)

// ValidateRequiredID checks a mandatory identifier. fieldName appears in
// the error.
func ValidateRequiredID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidID, fieldName)
	}
	return ValidateID(id, fieldName)
}

// ValidateID checks an optional identifier; empty passes.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return nil
	}
	if !utf8.ValidString(id) || len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s must be at most %d bytes", ErrInvalidID, fieldName, MaxIDLength)
	}
	// Ids end up in log fields and file-adjacent tooling.
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: %s contains '..'", ErrInvalidID, fieldName)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s has invalid characters", ErrInvalidID, fieldName)
	}
	return nil
}
