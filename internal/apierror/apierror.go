// Package apierror defines the gateway's error taxonomy and its JSON wire
// representation. Every error surfaced to a client carries a stable code and
// a safe message; diagnostic detail stays server-side in logs.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of gateway error.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeStaleRequest       Code = "STALE_REQUEST"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is a classified gateway error.
type Error struct {
	Code    Code
	Message string
	// Cause is the underlying error, logged but never serialized.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeStaleRequest:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeCircuitOpen, CodeServiceUnavailable, CodeMaxRetriesExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with the given code and client-safe message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code and message around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Convenience constructors for the common classes.

func Unauthorized(message string) *Error { return New(CodeUnauthorized, message) }
func Forbidden(message string) *Error    { return New(CodeForbidden, message) }
func NotFound(message string) *Error     { return New(CodeNotFound, message) }
func Validation(message string) *Error   { return New(CodeValidation, message) }
func StaleRequest(message string) *Error { return New(CodeStaleRequest, message) }

func RateLimited() *Error {
	return New(CodeRateLimited, "Too many requests")
}

func CircuitOpen(service string) *Error {
	return New(CodeCircuitOpen, fmt.Sprintf("Service %s is temporarily unavailable", service))
}

func ServiceUnavailable(message string) *Error {
	return New(CodeServiceUnavailable, message)
}

func Internal(cause error) *Error {
	return Wrap(CodeInternal, "Internal server error", cause)
}

// FromError classifies err as an *Error, falling back to INTERNAL_ERROR for
// unclassified errors.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// response is the wire shape: {"error":{"code":"...","message":"..."}}.
type response struct {
	Error detail `json:"error"`
}

type detail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// WriteJSON renders err to w with its mapped HTTP status.
func WriteJSON(w http.ResponseWriter, err error) {
	apiErr := FromError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(response{
		Error: detail{Code: apiErr.Code, Message: apiErr.Message},
	})
}
