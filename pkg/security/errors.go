// Package security defines the single error taxonomy shared by every broker
// operation, together with the DTO forms that cross the process boundary and
// the translation between the two. Every public operation in this module
// returns a *Error; remote representations are projected into the taxonomy by
// the translator, with unrecognised kinds collapsing to CodeUnknown rather
// than failing.
package security

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies one kind of security failure. The set is closed; remote
// codes outside it translate to CodeUnknown.
type Code string

const (
	CodeConnectionFailed       Code = "connection_failed"
	CodeServiceUnavailable     Code = "service_unavailable"
	CodeServiceNotReady        Code = "service_not_ready"
	CodeItemNotFound           Code = "item_not_found"
	CodeInvalidInput           Code = "invalid_input"
	CodeEncryptionFailed       Code = "encryption_failed"
	CodeDecryptionFailed       Code = "decryption_failed"
	CodeRandomGenerationFailed Code = "random_generation_failed"
	CodeNotImplemented         Code = "not_implemented"
	CodeStorageFailed          Code = "storage_operation_failed"
	CodeServiceError           Code = "service_error"
	CodeCancelled              Code = "cancelled"
	CodeUnknown                Code = "unknown"
)

// Codes lists every defined code. Kept in sync with the constants above;
// the translator tests iterate it to prove totality.
var Codes = []Code{
	CodeConnectionFailed,
	CodeServiceUnavailable,
	CodeServiceNotReady,
	CodeItemNotFound,
	CodeInvalidInput,
	CodeEncryptionFailed,
	CodeDecryptionFailed,
	CodeRandomGenerationFailed,
	CodeNotImplemented,
	CodeStorageFailed,
	CodeServiceError,
	CodeCancelled,
	CodeUnknown,
}

// Valid reports whether c is one of the defined codes.
func (c Code) Valid() bool {
	for _, known := range Codes {
		if c == known {
			return true
		}
	}
	return false
}

// Error is the error currency of the broker. Code classifies the failure,
// Reason carries a human-readable explanation, Details carries structured
// context that survives DTO translation, and Err preserves a wrapped cause
// for local callers (never crosses the boundary).
type Error struct {
	Code    Code
	Reason  string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two security errors by code, so callers can write
// errors.Is(err, security.ErrConnectionFailed) without caring about reasons.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Sentinels for errors.Is matching. Each carries only a code.
var (
	ErrConnectionFailed   = &Error{Code: CodeConnectionFailed}
	ErrServiceUnavailable = &Error{Code: CodeServiceUnavailable}
	ErrItemNotFound       = &Error{Code: CodeItemNotFound}
	ErrInvalidInput       = &Error{Code: CodeInvalidInput}
	ErrNotImplemented     = &Error{Code: CodeNotImplemented}
	ErrCancelled          = &Error{Code: CodeCancelled}
)

// NewError builds an *Error with the given code and formatted reason.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a coded error.
func WrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ConnectionFailed reports a failure to establish or keep the physical
// channel; the connection manager maps dial and invalidation faults here.
func ConnectionFailed(err error) *Error {
	return &Error{Code: CodeConnectionFailed, Reason: "connection to security service failed", Err: err}
}

// ServiceNotReady reports a service that answered but cannot serve yet.
func ServiceNotReady(reason string) *Error {
	return &Error{Code: CodeServiceNotReady, Reason: reason}
}

// ServiceError reports a fault the remote service described itself.
func ServiceError(message string) *Error {
	return &Error{Code: CodeServiceError, Reason: message}
}

// Cancelled reports a caller-initiated cancellation of a pending operation.
func Cancelled() *Error {
	return &Error{Code: CodeCancelled, Reason: "operation cancelled"}
}

// Unknown wraps an unclassifiable failure with a detail string.
func Unknown(detail string) *Error {
	return &Error{Code: CodeUnknown, Reason: detail}
}

// AsError projects any error into the taxonomy. A *Error passes through
// unchanged; anything else becomes CodeUnknown carrying the original message
// and cause. AsError(nil) returns nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: CodeUnknown, Reason: err.Error(), Err: err}
}

// CodeOf returns the code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	se := AsError(err)
	if se == nil {
		return CodeUnknown
	}
	return se.Code
}
