// Package common defines the sentinel errors shared by the auth, messaging
// and transport layers. Callers match them with errors.Is / errors.As.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Input errors, recovered at the transport boundary.
	ErrValidation = errors.New("validation error")

	// Authentication errors.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidSession     = errors.New("invalid session")
	ErrDuplicateIdentity  = errors.New("identity already exists")

	// Messaging errors.
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrSelfMessaging     = errors.New("self messaging not allowed")
)

// LockedError is returned while a login key is locked out.
// It matches ErrAccountLocked with errors.Is.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// ValidationError carries a user-facing message. It matches ErrValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
