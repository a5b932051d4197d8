// Package errs defines the stable error-kind taxonomy every other package in
// this module maps its failures onto, so a host layer (HTTP handler, IPC
// dispatcher) can translate errors to wire-level codes with one type switch
// instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error categories from the error-handling design.
type Kind string

const (
	AuthLocked         Kind = "auth_locked"
	AuthInvalid        Kind = "auth_invalid"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	Validation         Kind = "validation"
	ProviderUnavailable Kind = "provider_unavailable"
	DecryptFailure     Kind = "decrypt_failure"
	ModelUnavailable   Kind = "model_unavailable"
	TransientIO        Kind = "transient_io"
	JobCancelled       Kind = "job_cancelled"
	UnknownMethod      Kind = "unknown_method"
	ProtocolError      Kind = "protocol_error"
)

// Error wraps an underlying cause with a stable Kind and a human-readable
// message safe to surface to a caller (no internal paths or secrets).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, or returns nil if cause is nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
