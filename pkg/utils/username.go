package utils

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	MinHandleLength = 3
	MaxHandleLength = 30
)

var (
	handleRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	// Matrix localparts allow a narrower grammar than handles.
	localpartRegex = regexp.MustCompile(`^[a-z0-9._=/-]+$`)
)

// ValidateHandle validates handle format
// Rules: 3-30 characters, letters, numbers, underscores only
func ValidateHandle(handle string) error {
	handle = strings.TrimSpace(handle)

	if len(handle) < MinHandleLength {
		return &ValidationError{Field: "handle", Message: "Handle must be at least 3 characters"}
	}

	if len(handle) > MaxHandleLength {
		return &ValidationError{Field: "handle", Message: "Handle must be at most 30 characters"}
	}

	if !handleRegex.MatchString(handle) {
		return &ValidationError{Field: "handle", Message: "Handle can only contain letters, numbers, and underscores"}
	}

	// Check if it starts with a letter or number (not underscore)
	if !(unicode.IsLetter(rune(handle[0])) || unicode.IsNumber(rune(handle[0]))) {
		return &ValidationError{Field: "handle", Message: "Handle must start with a letter or number"}
	}

	return nil
}

// MatrixLocalpart derives the canonical Matrix localpart from a user's
// handle: lowercased, trimmed, underscores kept. The same handle always
// maps to the same localpart.
func MatrixLocalpart(handle string) (string, error) {
	if err := ValidateHandle(handle); err != nil {
		return "", err
	}
	localpart := strings.ToLower(strings.TrimSpace(handle))
	if !localpartRegex.MatchString(localpart) {
		return "", &ValidationError{Field: "handle", Message: "Handle cannot be used as a chat username"}
	}
	return localpart, nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
