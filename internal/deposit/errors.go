package deposit

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of domain error categories. Boundaries
// (HTTP handlers, admin surfaces) branch on the kind, never on message
// text.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindNotFound             ErrorKind = "not_found"
	KindProviderTransport    ErrorKind = "provider_transport"
	KindProviderRejection    ErrorKind = "provider_rejection"
	KindDuplicateSlip        ErrorKind = "duplicate_slip"
	KindInvalidTransition    ErrorKind = "invalid_transition"
	KindRecoveryTokenInvalid ErrorKind = "recovery_token_invalid"
	KindCreditFailed         ErrorKind = "credit_failed"
)

// Error is the domain error carried across the deposit subsystem.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// E creates a new domain error.
func E(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapE wraps an underlying error with a domain kind.
func WrapE(kind ErrorKind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: err}
}

// KindOf extracts the domain kind from an error chain, or "" if the error
// is not a domain error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given domain kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// CodeOf extracts the machine-readable code from an error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// invalidTransition builds the standard stale-state error.
func invalidTransition(id string, current Status, attempted string) *Error {
	return E(KindInvalidTransition, "invalid_transition",
		fmt.Sprintf("request %s is %s; %s is not allowed", id, current, attempted))
}
