package domain

import (
	"errors"
	"fmt"
)

// Kind is the stable error taxonomy every Synap operation returns. Kinds are
// compared with errors.Is; the human message is free to change, the kind
// never silently does.
type Kind string

const (
	KindInvalidArgument  Kind = "invalid_argument"
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindTypeMismatch     Kind = "type_mismatch"
	KindQueueFull        Kind = "queue_full"
	KindOutOfCapacity    Kind = "out_of_capacity"
	KindExpired          Kind = "expired"
	KindConflict         Kind = "conflict"
	KindReadOnly         Kind = "read_only"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindPersistenceError Kind = "persistence_error"
	KindReplicationError Kind = "replication_error"
	KindInternal         Kind = "internal"
)

// Error is the structured error type returned by every Synap subsystem. It
// carries a stable Kind (for programmatic dispatch) and a human message, and
// optionally wraps an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Unwrap/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind only, so callers can do
// errors.Is(err, domain.NewError(domain.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrorKind extracts the Kind from err, or "" if err is not a *Error.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel errors for the common no-argument cases; errors.Is works against
// these via Error.Is comparing Kind alone.
var (
	ErrNotFound        = NewError(KindNotFound, "not found")
	ErrAlreadyExists   = NewError(KindAlreadyExists, "already exists")
	ErrInvalidArgument = NewError(KindInvalidArgument, "invalid argument")
	ErrTypeMismatch    = NewError(KindTypeMismatch, "type mismatch")
	ErrQueueFull       = NewError(KindQueueFull, "queue full")
	ErrOutOfCapacity   = NewError(KindOutOfCapacity, "out of capacity")
	ErrExpired         = NewError(KindExpired, "expired")
	ErrConflict        = NewError(KindConflict, "conflict")
	ErrReadOnly        = NewError(KindReadOnly, "read only replica")
	ErrTimeout         = NewError(KindTimeout, "timeout")
	ErrCancelled       = NewError(KindCancelled, "cancelled")
)
