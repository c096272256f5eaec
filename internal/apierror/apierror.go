// Package apierror defines the wire error envelope and the dispatch table
// that maps domain sentinel errors to HTTP status codes and stable error
// codes.
package apierror

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code is one of the stable, documented error codes returned to callers.
type Code string

const (
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeAuthRequired          Code = "AUTH_REQUIRED"
	CodeAuthInvalid           Code = "AUTH_INVALID"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeTaskConflict          Code = "TASK_CONFLICT"
	CodeIdempotencyConflict   Code = "IDEMPOTENCY_CONFLICT"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInactiveProvider      Code = "INACTIVE_PROVIDER"
	CodeSpendLimitBreached    Code = "SPEND_LIMIT_BREACHED"
	CodeAccountFrozen         Code = "ACCOUNT_FROZEN"
	CodeDependencyUnresolved Code = "DEPENDENCY_UNRESOLVED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeTransientConflict     Code = "TRANSIENT_CONFLICT"
)

var statusByCode = map[Code]int{
	CodeValidationFailed:      http.StatusBadRequest,
	CodeAuthRequired:          http.StatusUnauthorized,
	CodeAuthInvalid:           http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeNotFound:              http.StatusNotFound,
	CodeTaskConflict:          http.StatusConflict,
	CodeIdempotencyConflict:   http.StatusConflict,
	CodeInsufficientFunds:     http.StatusUnprocessableEntity,
	CodeInactiveProvider:      http.StatusUnprocessableEntity,
	CodeSpendLimitBreached:    http.StatusBadRequest,
	CodeAccountFrozen:         http.StatusLocked,
	CodeDependencyUnresolved: http.StatusUnprocessableEntity,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeTransientConflict:     http.StatusConflict,
}

// Error is a domain error carrying a stable code, independent of the
// message text shown to the caller.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap is like New but wraps an underlying cause for %w-style matching.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// Write renders err onto the gin response using the mapped status code and
// the wire envelope. Unrecognized errors are rendered as an opaque 500.
func Write(c *gin.Context, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(CodeValidationFailed, "internal error")
		c.JSON(http.StatusInternalServerError, envelope{Error: envelopeBody{
			Code:      "INTERNAL",
			Message:   "an internal error occurred",
			RequestID: requestID(c),
		}})
		return
	}

	status, ok := statusByCode[apiErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}

	c.JSON(status, envelope{Error: envelopeBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: requestID(c),
		Details:   apiErr.Details,
	}})
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.Writer.Header().Get("X-Request-Id")
}
