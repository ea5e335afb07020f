// Package apperr defines the error taxonomy shared by every component.
// Errors carry a Kind that maps onto an HTTP status; messages are safe to
// show to end users. Wrap causes with fmt.Errorf("...: %w", err) so kinds
// survive across package boundaries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The string values cross the wire as
// error.kind in JSON responses.
type Kind string

const (
	Unauthenticated Kind = "UNAUTHENTICATED"
	Forbidden       Kind = "FORBIDDEN"
	NotFound        Kind = "NOT_FOUND"
	Validation      Kind = "VALIDATION"
	Conflict        Kind = "CONFLICT"
	Precondition    Kind = "PRECONDITION"
	Storage         Kind = "STORAGE"
	Chain           Kind = "CHAIN"
	Unavailable     Kind = "UNAVAILABLE"
	RateLimited     Kind = "RATE_LIMITED"
	Internal        Kind = "INTERNAL"
)

// Error is the one error type surfaced to callers. Details are optional
// structured fields included in the response body.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same Kind, so
// errors.Is(err, apperr.ErrNotFound) works on wrapped chains.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// With attaches a structured detail field and returns the error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that keeps err as its cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// From normalizes any error into an *Error. Unknown errors become opaque
// Internal errors so their text never leaks into responses.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Message: "internal error", cause: err}
}

// KindOf extracts the Kind from an error chain. Unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the response status per the platform contract.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Validation:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case Precondition:
		return http.StatusPreconditionFailed
	case Unavailable:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-safe message for err; internal causes never
// leak through it.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Details returns structured detail fields, or nil.
func Details(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Domain sentinels. Compare with errors.Is; wrap with %w to add context.
var (
	ErrUnauthenticated   = New(Unauthenticated, "authentication required")
	ErrForbidden         = New(Forbidden, "forbidden")
	ErrContextMissing    = New(Precondition, "no scope selected for internal user")
	ErrNotFound          = New(NotFound, "not found")
	ErrDuplicateEmail    = New(Conflict, "email already registered")
	ErrInviteExpired     = New(Validation, "invite expired")
	ErrInviteAlreadyUsed = New(Conflict, "invite already used")
	ErrTenantInactive    = New(Forbidden, "tenant is not active")
)
