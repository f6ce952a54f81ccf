package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCursor is returned when a cursor does not reference a visible event.
	ErrInvalidCursor = errors.New("cursor does not reference a known event")
	// ErrIdempotencyConflict is returned by stores when an idempotency key was already used.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
)

// ValidationError reports a client-correctable problem with a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func missingField(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required"}
}

// TransientError marks a failure that may succeed on retry (network, timeout, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError reports that a write with the same idempotency key already landed.
// Callers treat it as success.
type ConflictError struct {
	IdempotencyKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("event already recorded for idempotency key %q", e.IdempotencyKey)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}
