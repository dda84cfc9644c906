// Package cperr defines the error taxonomy shared by every supervision
// component: schema/permission violations, missing references, I/O
// failures, invariant violations, timeouts and unrecoverable state.
package cperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it without
// inspecting the message (e.g. choosing an exit code).
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindFileSystem  Kind = "filesystem"
	KindConsistency Kind = "consistency"
	KindTimeout     Kind = "timeout"
	KindFatal       Kind = "fatal"
)

// Error is the concrete type behind every cperr constructor. It wraps an
// optional cause and carries a Kind for programmatic dispatch.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, cperr.ErrNotFound) style sentinel checks
// against the Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func new(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation builds a schema/permission-violation error.
func Validation(format string, args ...interface{}) *Error {
	return new(KindValidation, format, args...)
}

// NotFound builds an error for a referenced id that does not exist.
func NotFound(format string, args ...interface{}) *Error {
	return new(KindNotFound, format, args...)
}

// FileSystem wraps a lower-level I/O failure with path context.
func FileSystem(cause error, format string, args ...interface{}) *Error {
	return wrap(KindFileSystem, cause, format, args...)
}

// Consistency builds an error for a detected invariant violation.
func Consistency(format string, args ...interface{}) *Error {
	return new(KindConsistency, format, args...)
}

// Timeout builds an error for a deadline that elapsed.
func Timeout(format string, args ...interface{}) *Error {
	return new(KindTimeout, format, args...)
}

// Fatal builds an error for unrecoverable core state.
func Fatal(cause error, format string, args ...interface{}) *Error {
	return wrap(KindFatal, cause, format, args...)
}

// KindOf extracts the Kind from err, walking the wrap chain. Returns
// ("", false) if err does not carry a cperr.Error anywhere in its chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind (anywhere in its chain) matches kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
