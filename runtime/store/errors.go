package store

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure. The four kinds are the only taxonomy the
// port exposes; backend drivers map their own errors onto them.
type Kind string

const (
	// KindNotFound indicates the referenced record does not exist.
	KindNotFound Kind = "not_found"
	// KindDuplicateKey indicates a uniqueness constraint was violated.
	KindDuplicateKey Kind = "duplicate_key"
	// KindConflict indicates an illegal state transition or a payload the
	// store refuses, such as an unsupported DSL schema version.
	KindConflict Kind = "conflict"
	// KindBackend wraps a driver failure. Backend errors on writes are the
	// only kind the retry decorator retries.
	KindBackend Kind = "backend"
)

// Error is the failure type returned by every Store implementation. It keeps
// the operation name for context and wraps the underlying cause so callers
// can use errors.Is and errors.As across the port boundary.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the store operation that failed, e.g. "save_message".
	Op string
	// Err is the underlying cause. May be nil for pure domain failures.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Errf builds a store error with a formatted cause message.
func Errf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapErr wraps an underlying error with a kind and operation name. Returns
// nil when err is nil.
func WrapErr(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Returns the empty kind when
// the chain holds no store error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsNotFound reports whether the error chain holds a NotFound store error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsDuplicateKey reports whether the error chain holds a DuplicateKey store
// error.
func IsDuplicateKey(err error) bool { return KindOf(err) == KindDuplicateKey }

// IsConflict reports whether the error chain holds a Conflict store error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsBackend reports whether the error chain holds a Backend store error.
func IsBackend(err error) bool { return KindOf(err) == KindBackend }
