// Package errs defines the error taxonomy shared by the orchestration core.
//
// Callers distinguish failures with Is or CodeOf rather than string matching.
// An ethical rejection is not an error; it is reported as a blocked task.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error.
type Code string

const (
	// CodeNotFound indicates a task or agent id does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeValidation indicates malformed input.
	CodeValidation Code = "VALIDATION"
	// CodeStorage indicates the store failed.
	CodeStorage Code = "STORAGE"
	// CodeExternalService indicates the completion service failed.
	CodeExternalService Code = "EXTERNAL_SERVICE"
)

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code.
func New(code Code, op, msg string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: msg, Err: cause}
}

// NotFound reports a missing entity of the given kind.
func NotFound(op, kind, id string) *Error {
	return New(CodeNotFound, op, fmt.Sprintf("%s %q not found", kind, id), nil)
}

// Validation reports malformed input.
func Validation(op, format string, args ...any) *Error {
	return New(CodeValidation, op, fmt.Sprintf(format, args...), nil)
}

// Storage wraps a store failure.
func Storage(op string, cause error) *Error {
	return New(CodeStorage, op, "store operation failed", cause)
}

// External wraps a completion service failure.
func External(op string, cause error) *Error {
	return New(CodeExternalService, op, "external service failed", cause)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
