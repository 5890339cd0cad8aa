// Package apierror defines the error type returned by every failing API
// request and its mapping to RFC 7807 application/problem+json bodies.
// Handlers and the query pipeline return *Error values; a single writer
// at the HTTP boundary renders them. Anything that is not an *Error is
// treated as an internal server error.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes. They appear in the problem body as
// "urn:apiexception:<code>".
const (
	CodeInvalidFilterSyntax = "invalidFilterSyntax"
	CodeFieldNotFound       = "fieldNotFound"
	CodeUnsupportedLookup   = "unsupportedLookup"
	CodeInvalidValue        = "invalidValue"
	CodeInvalidSort         = "invalidSort"
	CodeInvalidParams       = "invalidParams"
	CodeAccessDenied        = "accessDenied"
	CodeNotFound            = "notFound"
	CodePrecondition        = "preconditionFailed"
	CodeNotAcceptable       = "notAcceptable"
	CodeParseError          = "parse_error"
	CodeUpstream            = "badGateway"
	CodeTimeout             = "gatewayTimeout"
	CodeUnavailable         = "serviceUnavailable"
	CodeInternal            = "internal"
)

// InvalidParam describes one offending request parameter inside the
// problem body's "invalid-params" list.
type InvalidParam struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Error is the API error carried through the request pipeline.
// It satisfies the error interface and renders as problem+json.
type Error struct {
	Status        int
	Code          string
	Title         string
	Detail        string
	InvalidParams []InvalidParam

	// Remote proxy extensions (x-validation-errors / x-raw-response).
	ValidationErrors any
	RawResponse      string

	cause error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return e.Title
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error without changing the response body.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail sets the human-readable detail string.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// New creates an Error with an explicit status, code and title.
func New(status int, code, title string) *Error {
	return &Error{Status: status, Code: code, Title: title}
}

// BadRequest creates a 400 error with the given code and title.
func BadRequest(code, title string) *Error {
	return New(http.StatusBadRequest, code, title)
}

// InvalidParamError creates a 400 error carrying a single invalid-params
// entry, the shape used for filter and sort validation failures.
func InvalidParamError(code, name, reason string) *Error {
	e := BadRequest(code, "Invalid query parameters")
	e.InvalidParams = []InvalidParam{{
		Type:   "urn:apiexception:" + code,
		Name:   name,
		Reason: reason,
	}}
	return e
}

// FieldNotFound reports an unknown field in a filter, sort or projection.
func FieldNotFound(name string) *Error {
	return InvalidParamError(CodeFieldNotFound, name, fmt.Sprintf("Field %q does not exist", name))
}

// UnsupportedLookup reports a lookup that the field's type does not allow.
func UnsupportedLookup(name, lookup string, allowed []string) *Error {
	reason := fmt.Sprintf("Lookup %q is not supported, supported are: %v", lookup, allowed)
	return InvalidParamError(CodeUnsupportedLookup, name, reason)
}

// InvalidValue reports a value that failed the field's scalar parser.
func InvalidValue(name, reason string) *Error {
	return InvalidParamError(CodeInvalidValue, name, reason)
}

// AccessDenied creates a 403 error.
func AccessDenied(detail string) *Error {
	e := New(http.StatusForbidden, CodeAccessDenied, "Access denied")
	e.Detail = detail
	return e
}

// NotFound creates a 404 error.
func NotFound(format string, args ...any) *Error {
	e := New(http.StatusNotFound, CodeNotFound, "Not found")
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// PreconditionFailed creates a 412 error (e.g. required Accept-Crs missing).
func PreconditionFailed(detail string) *Error {
	e := New(http.StatusPreconditionFailed, CodePrecondition, "Precondition failed")
	e.Detail = detail
	return e
}

// NotAcceptable creates a 406 error (unsupported CRS or output format).
func NotAcceptable(detail string) *Error {
	e := New(http.StatusNotAcceptable, CodeNotAcceptable, "Not acceptable")
	e.Detail = detail
	return e
}

// Upstream creates a 502 error for remote dataset failures.
func Upstream(title string) *Error {
	return New(http.StatusBadGateway, CodeUpstream, title)
}

// UpstreamTimeout creates a 504 error.
func UpstreamTimeout(detail string) *Error {
	e := New(http.StatusGatewayTimeout, CodeTimeout, "Upstream timeout")
	e.Detail = detail
	return e
}

// UpstreamUnavailable creates a 503 error for connect failures.
func UpstreamUnavailable(detail string) *Error {
	e := New(http.StatusServiceUnavailable, CodeUnavailable, "Upstream unavailable")
	e.Detail = detail
	return e
}

// Internal wraps an unexpected error as a 500 without leaking its message.
func Internal(err error) *Error {
	e := New(http.StatusInternalServerError, CodeInternal, "Internal server error")
	e.cause = err
	return e
}

// From converts any error into an *Error, wrapping unknown errors as 500.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
