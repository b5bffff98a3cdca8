// Package rideerr defines the error taxonomy shared by every component.
// Errors carry a kind for transport mapping and a stable machine code for
// clients; none are retried by the core.
package rideerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConflict
	KindNotFound
	KindUpstream
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Machine codes surfaced to clients. A RIDE_NOT_AVAILABLE conflict is the
// expected outcome for all but one of N racing drivers, not an anomaly.
const (
	CodeRideNotAvailable    = "RIDE_NOT_AVAILABLE"
	CodeActiveRideExists    = "ACTIVE_RIDE_EXISTS"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeAlreadyRated        = "ALREADY_RATED"
	CodeIncompatibleVehicle = "INCOMPATIBLE_VEHICLE"
	CodeNoDriversAvailable  = "NO_DRIVERS_AVAILABLE"
	CodeRideNotFound        = "RIDE_NOT_FOUND"
	CodeDriverNotFound      = "DRIVER_NOT_FOUND"
	CodeNotRideParty        = "NOT_RIDE_PARTY"
	CodeRoleMismatch        = "ROLE_MISMATCH"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeBadInput            = "BAD_INPUT"
	CodeStoreFailure        = "STORE_FAILURE"
	CodeUpstreamFailure     = "UPSTREAM_FAILURE"
)

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches taxonomy to an underlying error without losing it for
// errors.Is/As chains.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain; unrecognized errors are
// internal by definition.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the machine code, empty when the chain carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

func IsConflict(err error) bool { return IsKind(err, KindConflict) }

func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
