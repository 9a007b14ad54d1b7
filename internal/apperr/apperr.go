// Package apperr defines the typed domain errors used across the control
// plane and their mapping onto the transport error taxonomy. Domain code
// returns *Error values with SNAKE_CASE codes; the route boundary turns them
// into the uniform error envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed domain error.
type Error struct {
	Code       string         // machine-readable SNAKE_CASE identifier
	HTTPStatus int
	Message    string
	Details    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying cause for logs; it is never serialized.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// ── Constructors (one per taxonomy entry) ───────────────────

func InvalidArgument(code, format string, args ...any) *Error {
	return newErr(code, http.StatusBadRequest, format, args...)
}

func Unauthenticated(code, format string, args ...any) *Error {
	return newErr(code, http.StatusUnauthorized, format, args...)
}

func Forbidden(code, format string, args ...any) *Error {
	return newErr(code, http.StatusForbidden, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newErr(code, http.StatusNotFound, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newErr(code, http.StatusConflict, format, args...)
}

func Gone(code, format string, args ...any) *Error {
	return newErr(code, http.StatusGone, format, args...)
}

func FailedPrecondition(code, format string, args ...any) *Error {
	return newErr(code, http.StatusPreconditionFailed, format, args...)
}

// TermsRequired is the 428 variant of FAILED_PRECONDITION used by the
// terms-of-service gate.
func TermsRequired(code, format string, args ...any) *Error {
	return newErr(code, http.StatusPreconditionRequired, format, args...)
}

func RateLimited(retryAfterMs int64) *Error {
	e := newErr("RATE_LIMITED", http.StatusTooManyRequests, "rate limit exceeded")
	return e.WithDetail("retryAfterMs", retryAfterMs)
}

func Internal(format string, args ...any) *Error {
	return newErr("INTERNAL", http.StatusInternalServerError, format, args...)
}

func Unavailable(code, format string, args ...any) *Error {
	return newErr(code, http.StatusServiceUnavailable, format, args...)
}

func newErr(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

// ── Taxonomy mapping ────────────────────────────────────────

// TaxonomyCode returns the coarse taxonomy bucket for an HTTP status,
// used when a handler needs the envelope-level code rather than the
// domain-specific one.
func TaxonomyCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusGone:
		return "GONE"
	case http.StatusPreconditionFailed, http.StatusPreconditionRequired:
		return "FAILED_PRECONDITION"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// From coerces any error into an *Error; unknown errors become INTERNAL
// with the original preserved as cause.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("%s", err.Error()).WithCause(err)
}
