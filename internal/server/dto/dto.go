// Package dto defines the response and error types the router and
// views exchange. An *Error doubles as a framework-level response: any
// layer may return one and the router renders it instead of treating
// it as a failure.
package dto

import (
	"fmt"
	"maps"
	"net/http"
	"strings"
)

// Response is a view result on its way to the client. Body is rendered
// by the negotiated renderer unless Prepared marks it final.
type Response struct {
	Status   int
	Headers  http.Header
	Body     any
	Prepared bool
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Headers: http.Header{}}
}

// Header returns the header map, allocating it on first use.
func (r *Response) Header() http.Header {
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	return r.Headers
}

// StatusClientClosedRequest is the non-standard status reported when
// the client went away mid-request.
const StatusClientClosedRequest = 499

// Error is a response-shaped error. Reason and Content become the
// structured body: {"reason": ..., ...Content}.
type Error struct {
	Status  int
	Reason  string
	Content map[string]any
	Headers http.Header
	Err     error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Reason, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Reason)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// With adds a payload field and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Content == nil {
		e.Content = map[string]any{}
	}
	e.Content[key] = value
	return e
}

// Wrap attaches the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Header returns the error's header map, allocating it on first use.
func (e *Error) Header() http.Header {
	if e.Headers == nil {
		e.Headers = http.Header{}
	}
	return e.Headers
}

// Response renders the error as a response with a structured body.
func (e *Error) Response() *Response {
	body := map[string]any{}
	maps.Copy(body, e.Content)
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	headers := http.Header{}
	maps.Copy(headers, e.Headers)
	return &Response{Status: e.Status, Headers: headers, Body: body}
}

// Unauthorized builds a 401 error.
func Unauthorized(reason string) *Error {
	return &Error{Status: http.StatusUnauthorized, Reason: reason}
}

// NotFound builds a 404 error.
func NotFound(reason string) *Error {
	return &Error{Status: http.StatusNotFound, Reason: reason}
}

// BadRequest builds a 400 error with a structured payload.
func BadRequest(content map[string]any) *Error {
	e := &Error{Status: http.StatusBadRequest, Content: content}
	if r, ok := content["reason"].(string); ok {
		e.Reason = r
	}
	return e
}

// MethodNotAllowed builds a 405 error naming every allowed method.
func MethodNotAllowed(method string, allowed []string) *Error {
	e := &Error{Status: http.StatusMethodNotAllowed, Reason: "method not allowed"}
	e.With("method", method)
	e.With("allowed_methods", allowed)
	e.Header().Set("Allow", FormatAllow(allowed))
	return e
}

// InternalServerError builds a generic 500 error.
func InternalServerError() *Error {
	return &Error{Status: http.StatusInternalServerError, Reason: "internal server error"}
}

// ClientClosed builds the 499 response for a cancelled request.
func ClientClosed() *Error {
	return &Error{Status: StatusClientClosedRequest, Reason: "client closed request"}
}

// Conflict builds a 409 error; the retry layer normally consumes the
// conflict before it renders.
func Conflict(reason string) *Error {
	return &Error{Status: http.StatusConflict, Reason: reason}
}

// FormatAllow joins methods for an Allow header.
func FormatAllow(methods []string) string { return strings.Join(methods, ", ") }
