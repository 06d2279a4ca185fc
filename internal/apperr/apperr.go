// Package apperr defines the error kinds surfaced by the donation core.
//
// A Kind is itself an error, so callers test for a class of failure with
// errors.Is(err, apperr.OverClaim) regardless of how deeply it was wrapped.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidInput   Kind = "invalid_input"
	Forbidden      Kind = "forbidden"
	NotFound       Kind = "not_found"
	Expired        Kind = "expired"
	AlreadyClaimed Kind = "already_claimed"
	OverClaim      Kind = "over_claim"
	Conflict       Kind = "conflict"
	Internal       Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

// Error carries a kind and a message that is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// MessageOf returns the caller-facing message of err. Errors without a kind
// are reported generically so storage details do not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Retryable reports whether the core itself may retry the operation that
// produced err. Only Internal failures qualify, and only for reads.
func Retryable(err error) bool {
	return KindOf(err) == Internal
}
