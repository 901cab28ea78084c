// Package apperrors defines the relay's stable error taxonomy and its JSON
// wire representation.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, spec-named wire error code. Clients match on Code, never
// on Message or HTTP status alone.
type Code string

const (
	CodeAuthFailed           Code = "AUTH_FAILED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeNotFound             Code = "NOT_FOUND"
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeDeviceLimitExceeded  Code = "DEVICE_LIMIT_EXCEEDED"
	CodeCircleLimitExceeded  Code = "CIRCLE_LIMIT_EXCEEDED"
	CodeConflict             Code = "CONFLICT"
	CodeInternalError        Code = "INTERNAL_ERROR"
)

// statusFor maps each Code to its HTTP status. Kept as a single switch so
// adding a code forces a conscious status decision.
func statusFor(code Code) int {
	switch code {
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeDeviceLimitExceeded, CodeCircleLimitExceeded:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func retryableFor(code Code) bool {
	return code == CodeRateLimited || code == CodeInternalError
}

// FieldError describes one failed field-level validation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RelayError is the relay's single error type. It satisfies error and knows
// how to render itself as the wire contract's flat {code, message, fields} body.
type RelayError struct {
	Code       Code         `json:"code"`
	Message    string       `json:"message"`
	Fields     []FieldError `json:"fields,omitempty"`
	RequestID  string       `json:"-"`
	RetryAfter int          `json:"retry_after,omitempty"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status this error should be rendered with.
func (e *RelayError) Status() int {
	return statusFor(e.Code)
}

// Retryable reports whether a client may safely retry the request unchanged.
func (e *RelayError) Retryable() bool {
	return retryableFor(e.Code)
}

// New builds a RelayError for code with the given message.
func New(code Code, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

// Newf builds a RelayError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithField attaches a field-level validation failure and returns the receiver.
func (e *RelayError) WithField(field, message string) *RelayError {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// WithRequestID stamps the error with the request id it was raised under.
func (e *RelayError) WithRequestID(id string) *RelayError {
	e.RequestID = id
	return e
}

// WithRetryAfter sets the seconds a rate-limited caller should wait.
func (e *RelayError) WithRetryAfter(seconds int) *RelayError {
	e.RetryAfter = seconds
	return e
}

// AuthFailed is a convenience constructor for missing or invalid caller
// credentials.
func AuthFailed(message string) *RelayError {
	return New(CodeAuthFailed, message)
}

// Forbidden is a convenience constructor for authorization failures (e.g. a
// device signing a jar receipt for an account it does not belong to).
func Forbidden(message string) *RelayError {
	return New(CodeForbidden, message)
}

// NotFound is a convenience constructor for missing resources.
func NotFound(resource string) *RelayError {
	return Newf(CodeNotFound, "%s not found", resource)
}

// Validation is a convenience constructor for request validation failures.
func Validation(message string) *RelayError {
	return New(CodeValidationError, message)
}

// RateLimited is a convenience constructor for rate-limit rejections.
func RateLimited(retryAfterSeconds int) *RelayError {
	return New(CodeRateLimited, "rate limit exceeded").WithRetryAfter(retryAfterSeconds)
}

// Internal wraps an unexpected error as an opaque internal error. The
// underlying error is never included in the wire body.
func Internal(err error) *RelayError {
	return New(CodeInternalError, "internal error")
}

// As reports whether err is (or wraps) a *RelayError and returns it.
func As(err error) (*RelayError, bool) {
	var re *RelayError
	ok := errors.As(err, &re)
	return re, ok
}
