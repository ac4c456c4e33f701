// Package apperr defines the error taxonomy shared by the lifecycle
// manager, registry, and HTTP layer: validation, not-found, runtime, and
// fatal errors. The HTTP layer switches on Kind instead of comparing
// sentinel errors one at a time.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for translation to an HTTP status code.
type Kind int

const (
	// KindValidation indicates malformed input; never mutates state.
	KindValidation Kind = iota
	// KindNotFound indicates the referenced resource does not exist.
	KindNotFound
	// KindRuntime indicates a container runtime or store failure.
	KindRuntime
	// KindFatal indicates a startup-time failure that should abort the process.
	KindFatal
)

// Error wraps an inner error with a Kind for status-code translation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a validation-kind error.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// Validationf builds a validation-kind error with formatting.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found-kind error.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// NotFoundf builds a not-found-kind error with formatting.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Runtime wraps err as a runtime-kind error.
func Runtime(msg string, err error) error {
	return &Error{Kind: KindRuntime, Msg: msg, Err: err}
}

// Runtimef wraps err as a runtime-kind error with formatting.
func Runtimef(err error, format string, args ...any) error {
	return &Error{Kind: KindRuntime, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Fatal wraps err as a fatal-kind error.
func Fatal(msg string, err error) error {
	return &Error{Kind: KindFatal, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindRuntime when err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
