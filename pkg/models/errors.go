package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced on request and task rows. Handlers
// map runtime and store failures onto this taxonomy before writing them
// back, so clients see stable categories rather than backend error strings.
type ErrorKind string

const (
	// ErrKindNotAvailable: sandbox is terminal or its container is missing.
	ErrKindNotAvailable ErrorKind = "not_available"
	// ErrKindInvalidPath: path failed sandbox-relative validation.
	ErrKindInvalidPath ErrorKind = "invalid_path"
	// ErrKindTooLarge: file content exceeds the read cap.
	ErrKindTooLarge ErrorKind = "too_large"
	// ErrKindNotFound: target file or directory missing.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindWrongKind: operation incompatible with the entry kind.
	ErrKindWrongKind ErrorKind = "kind"
	// ErrKindTimeout: per-task deadline elapsed.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindCancelled: external termination raced the handler.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindRuntime: container runtime API failure.
	ErrKindRuntime ErrorKind = "runtime"
	// ErrKindModelParse: no well-formed step after bounded retries.
	ErrKindModelParse ErrorKind = "model_parse"
)

// Error carries an error kind alongside a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrSandboxNotAvailable is the canonical failure written to requests whose
// sandbox is terminal or unreachable. The message text is part of the API
// contract.
var ErrSandboxNotAvailable = &Error{Kind: ErrKindNotAvailable, Message: "sandbox not available"}
