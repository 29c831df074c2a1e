// Package apperr defines the error taxonomy shared by the orchestrator and
// its HTTP surface. Business-rule violations carry a stable kind and a
// message safe to return to clients; infrastructure kinds (Runtime,
// Persistence) are surfaced generically and logged with detail.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	Validation  Kind = "VALIDATION"
	NotFound    Kind = "NOT_FOUND"
	Conflict    Kind = "CONFLICT"
	Capacity    Kind = "CAPACITY"
	Runtime     Kind = "RUNTIME_ERROR"
	Persistence Kind = "PERSISTENCE_ERROR"
)

// Internal reports whether errors of this kind must not leak their message
// to clients.
func (k Kind) Internal() bool {
	return k == Runtime || k == Persistence
}

// Error is a kinded error. Message is client-facing for non-internal kinds.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a client-facing message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap annotates err with a kind and message, preserving the cause for logs
// and errors.Is/As chains.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err, or the zero Kind when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the client-facing message of err, or empty when err is
// not a kinded error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
