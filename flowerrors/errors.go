// Package flowerrors defines the stable error-kind taxonomy used across the
// workflow engine. Callers match on Kind rather than on error identity so
// that wrapping and propagation across components never lose the ability to
// classify a failure.
package flowerrors

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification tag. Kinds are not type names: two
// errors of the same Kind may carry different causes and messages.
type Kind string

const (
	// Validation marks malformed workflow JSON or a trigger payload that
	// fails schema validation. Never reaches the run state machine.
	Validation Kind = "validation"
	// NotFound marks an unknown workflow, run, pause token, or step id.
	NotFound Kind = "not_found"
	// StepTimeout marks an invocation that exceeded its declared timeout.
	StepTimeout Kind = "step_timeout"
	// RetryExhausted marks a step's final failure after all retries.
	RetryExhausted Kind = "retry_exhausted"
	// BreakerOpen marks a job routed to an open circuit breaker.
	BreakerOpen Kind = "breaker_open"
	// PauseExpired marks a resume attempt after the pause's deadline.
	PauseExpired Kind = "pause_expired"
	// Cancelled marks a caller-initiated cancellation.
	Cancelled Kind = "cancelled"
	// Store marks a persistence failure.
	Store Kind = "store"
	// TypeMismatch marks an Incr on a non-numeric KV value.
	TypeMismatch Kind = "type_mismatch"
	// ConcurrencyLimit marks a StartRun rejected because the workflow's
	// declared Concurrency cap already has that many runs in flight.
	ConcurrencyLimit Kind = "concurrency_limit"
)

// Error is the concrete error type returned by every public operation. It
// carries a stable Kind plus a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err is not a flowerrors.Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
