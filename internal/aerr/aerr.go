// Package aerr defines the gateway-wide error taxonomy: a small set of
// stable codes that every layer (rate limiter, proxy, alert manager)
// attaches to errors that cross an API boundary.
package aerr

import (
	"errors"
	"fmt"
)

// Code identifies the behavioral category of an error, independent of
// its Go type. Handlers switch on Code, not on the wrapped cause.
type Code string

const (
	// CodeDenied covers rate limiting, RBAC, and open-circuit denials.
	// Surfaced as 429/403/503; never retried by the gateway itself.
	CodeDenied Code = "DENIED_BY_POLICY"

	// CodeTransient covers network errors, 5xx responses, and timeouts
	// talking to a backend. Retried up to a bounded attempt count.
	CodeTransient Code = "TRANSIENT_BACKEND_FAILURE"

	// CodeDependencyUnavailable covers the KV store, time-series store,
	// or ML service being unreachable. Fail-open for rate limiting,
	// fail-soft for metrics and ML.
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"

	// CodeBadInput covers unknown routes and malformed configuration
	// submitted through the REST surface.
	CodeBadInput Code = "BAD_INPUT"

	// CodeFatal covers boot-time misconfiguration. The process refuses
	// to start rather than run in an undefined state.
	CodeFatal Code = "FATAL"
)

// Error is a coded error that carries an optional machine-readable
// detail payload for the wire layer's JSON envelope.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// CodeOf extracts the Code from err, walking the unwrap chain.
// Returns ("", false) if err carries no *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err (or any error it wraps) carries code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
