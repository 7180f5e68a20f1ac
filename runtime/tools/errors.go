package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool failures.
type ErrorKind string

const (
	// KindInvalidArguments marks arguments that failed JSON decoding or
	// schema validation. The model can usually repair these.
	KindInvalidArguments ErrorKind = "invalid_arguments"
	// KindExecution marks a failure inside the tool itself.
	KindExecution ErrorKind = "execution"
	// KindUnavailable marks a tool whose backing transport is unreachable.
	KindUnavailable ErrorKind = "unavailable"
)

// Error is a structured tool failure. It preserves the underlying cause for
// errors.Is/As and renders a single line the completion loop can feed back to
// the model.
type Error struct {
	// Tool names the tool that failed.
	Tool Ident
	// Kind classifies the failure.
	Kind ErrorKind
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message renders the failure for the model: what went wrong and, for
// argument errors, an instruction to retry with corrected arguments.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.Kind == KindInvalidArguments {
		return fmt.Sprintf("Tool %s rejected the arguments: %v. Retry with arguments matching the schema.", e.Tool, e.Err)
	}
	return fmt.Sprintf("Tool %s failed: %v.", e.Tool, e.Err)
}

// KindOf extracts the failure kind, or KindExecution when err is not a tool
// error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindExecution
}

// IsInvalidArguments reports whether err is an argument validation failure.
func IsInvalidArguments(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindInvalidArguments
}
