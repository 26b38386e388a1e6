// Package apperr defines the error taxonomy shared by the catalog, the loan
// ledger and the lending service.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Error carries a caller-facing message and unwraps to one of the sentinel kinds.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown entity id.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

// Validation reports malformed create or update input.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

// Conflict reports a business-rule refusal.
func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

// InvariantViolation reports a mutation that would break a stored invariant.
func InvariantViolation(format string, args ...any) error {
	return newError(ErrInvariantViolation, format, args...)
}

// Message returns the caller-facing message of err when it is an *Error.
func Message(err error) (string, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message, true
	}
	return "", false
}
