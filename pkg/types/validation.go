package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxContentLength is the largest accepted message body, in code points after trimming.
const MaxContentLength = 5000

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var identityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidIdentityID checks if an identity ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidIdentityID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return identityIDRegex.MatchString(id)
}

// NormalizeContent trims surrounding whitespace and enforces the length bounds.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ParseState converts a stored state string into a MessageState.
func ParseState(s string) (MessageState, error) {
	state := MessageState(s)
	if !state.Valid() {
		return "", ErrInvalidState
	}
	return state, nil
}
