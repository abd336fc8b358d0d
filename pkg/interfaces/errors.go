package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrUserExists      = errors.New("user already exists")
)
