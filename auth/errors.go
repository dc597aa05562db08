package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUsernameExists is returned by Register when the username is taken.
	ErrUsernameExists = errors.New("username already exists")

	// ErrEmailExists is returned by Register when the e-mail is taken.
	ErrEmailExists = errors.New("email already exists")

	// ErrEmailNotFound is returned by RequestPasswordReset for an unknown e-mail.
	ErrEmailNotFound = errors.New("email not found")

	// ErrInvalidOrExpiredToken rejects a reset token that is unknown, expired or used.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")

	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInternal wraps storage, hashing and delivery failures. The wrapped
	// cause is for logs only.
	ErrInternal = errors.New("internal error")
)

// ValidationError reports which input field was rejected. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func internalError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}
