package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Specific errors wrap one of these
// so callers can classify with errors.Is.
var (
	ErrAuth                   = errors.New("authentication failed")
	ErrValidation             = errors.New("validation failed")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrPersistence            = errors.New("could not store message")
	ErrNotFoundOrUnauthorized = errors.New("message not found or not addressed to you")
)

var (
	ErrInvalidIdentityID = fmt.Errorf("%w: recipient must be 1-50 characters, alphanumeric + underscore/hyphen only", ErrValidation)
	ErrEmptyContent      = fmt.Errorf("%w: message content cannot be empty", ErrValidation)
	ErrContentTooLong    = fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, MaxContentLength)
	ErrMissingMessageID  = fmt.Errorf("%w: messageId is required", ErrValidation)
	ErrInvalidState      = errors.New("invalid message state")
)

// ClientMessage returns the text that may be sent to a remote peer for err.
// TECHNICAL DISCOVERY: Persistence and unknown errors collapse to a generic text;
// their detail stays in the server log only
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited.Error()
	case errors.Is(err, ErrNotFoundOrUnauthorized):
		return ErrNotFoundOrUnauthorized.Error()
	case errors.Is(err, ErrAuth):
		return ErrAuth.Error()
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	default:
		return "internal error"
	}
}
