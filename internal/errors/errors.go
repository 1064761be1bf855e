// Package errors defines the application error vocabulary: coded errors that
// commands log and the status server serializes into one envelope shape.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Stable error codes shared by logs and HTTP envelopes.
const (
	CodeInternal           = "INTERNAL_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// Error carries a stable code alongside the message and cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a coded error with no cause.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code string, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewExternalServiceError marks a dependency outside this process as the
// failure source.
func NewExternalServiceError(message string) *Error {
	return &Error{Code: CodeExternalService, Message: message}
}

// WrapInternal wraps err as an internal error, tagging it with the request id
// carried by ctx when one is present.
func WrapInternal(ctx context.Context, err error, message string) *Error {
	e := &Error{Code: CodeInternal, Message: message, Err: err}
	if id := RequestIDFrom(ctx); id != "" {
		e.Message = fmt.Sprintf("%s (request %s)", message, id)
	}
	return e
}

// CodeOf extracts the stable code from err, or CodeInternal for uncoded
// errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID returns a ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom reads the request id from ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
