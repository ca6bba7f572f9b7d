package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials covers every login failure a caller is
	// allowed to distinguish: wrong password, unknown email, locked or
	// inactive account. Collapsing them blocks account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers expired, revoked, malformed, and unknown
	// tokens of every kind.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrEmailTaken is returned from registration for an address that
	// already has an account.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUpstream indicates the identity provider could not be
	// reached or returned an unusable response.
	ErrUpstream = errors.New("identity provider unavailable")
)

// ValidationError describes rejected input with a client-safe message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a field-level validation failure.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
