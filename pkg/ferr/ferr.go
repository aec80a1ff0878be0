// Package ferr implements the engine's tagged error taxonomy: every
// failure an engine component returns carries a Kind a caller can
// dispatch on with errors.As, instead of matching against strings.
package ferr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the category of failure.
type Kind int

const (
	// KindUnknown is never constructed directly; it guards against a
	// zero-value Error being mistaken for a specific kind.
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidPath
	KindInvalidArgument
	KindIO
	KindPermissionDenied
	KindCorruption
	KindValidationFailed
	KindUnsafeDevice
	KindNotSupported
	KindSafetyViolation
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidPath:
		return "invalid_path"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindIO:
		return "io"
	case KindPermissionDenied:
		return "permission_denied"
	case KindCorruption:
		return "corruption"
	case KindValidationFailed:
		return "validation_failed"
	case KindUnsafeDevice:
		return "unsafe_device"
	case KindNotSupported:
		return "not_supported"
	case KindSafetyViolation:
		return "safety_violation"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Severity classifies Corruption errors.
type Severity int

const (
	SeverityMinor Severity = iota
	SeverityModerate
	SeveritySevere
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Error is the single error type every engine component returns.
// Kind-specific detail lives in the matching field; fields for other
// kinds are left zero.
type Error struct {
	Kind Kind

	// IO
	Offset int64

	// Corruption
	Severity Severity

	// ValidationFailed
	Field    string
	Expected string
	Actual   string

	// UnsafeDevice
	Reason string

	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches on Kind, the way this taxonomy is meant to be compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if cause != nil {
		e.cause = errors.WithStack(cause)
	}
	return e
}

func NotFound(format string, args ...interface{}) *Error {
	return wrap(KindNotFound, nil, format, args...)
}

func InvalidPath(path string) *Error {
	return wrap(KindInvalidPath, nil, "invalid path: %q", path)
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return wrap(KindInvalidArgument, nil, format, args...)
}

// IO wraps a lower-level I/O failure, annotated with the byte offset
// the operation attempted.
func IO(offset int64, cause error) *Error {
	e := wrap(KindIO, cause, "i/o error at offset %d", offset)
	e.Offset = offset
	return e
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return wrap(KindPermissionDenied, nil, format, args...)
}

// Corruption reports on-disk structural damage at the given severity.
func Corruption(severity Severity, format string, args ...interface{}) *Error {
	e := wrap(KindCorruption, nil, format, args...)
	e.Severity = severity
	return e
}

// ValidationFailed reports a field that did not match its expected value.
func ValidationFailed(field, expected, actual string) *Error {
	e := wrap(KindValidationFailed, nil, "field %q: expected %q, got %q", field, expected, actual)
	e.Field, e.Expected, e.Actual = field, expected, actual
	return e
}

// UnsafeDevice reports that the safety gate refused an operation.
func UnsafeDevice(reason string) *Error {
	e := wrap(KindUnsafeDevice, nil, "unsafe device: %s", reason)
	e.Reason = reason
	return e
}

func NotSupported(format string, args ...interface{}) *Error {
	return wrap(KindNotSupported, nil, format, args...)
}

func SafetyViolation(format string, args ...interface{}) *Error {
	return wrap(KindSafetyViolation, nil, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return wrap(KindTimeout, nil, format, args...)
}

// KindFromString maps a Kind's serialized name (the Kind.String
// form) back to the Kind. Unrecognized names map to KindUnknown.
func KindFromString(s string) Kind {
	for k := KindNotFound; k <= KindTimeout; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// FromWire rebuilds an Error from the (kind, message) pair an RPC
// boundary serialized, so callers on the near side dispatch on Kind
// the same way they would for a local error.
func FromWire(kind, message string) *Error {
	return &Error{Kind: KindFromString(kind), Message: message}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
