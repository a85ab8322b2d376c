// Package errors provides the unified error surface used across the
// service: every error that crosses a component boundary is a
// *ServiceError carrying a stable code and an HTTP status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error kind.
type ErrorCode string

const (
	ErrCodeUnauthenticated ErrorCode = "AUTH_1001"
	ErrCodeForbidden       ErrorCode = "AUTHZ_2001"
	ErrCodeNotFound        ErrorCode = "RES_3001"
	ErrCodeConflict        ErrorCode = "RES_3002"
	ErrCodeDecryptFailed   ErrorCode = "CRYPTO_4001"
	ErrCodeInvalidInput    ErrorCode = "VAL_5001"
	ErrCodeUnavailable     ErrorCode = "SVC_6001"
	ErrCodeRateLimited     ErrorCode = "SVC_6002"
	ErrCodeTransient       ErrorCode = "SVC_6003"
	ErrCodeInternal        ErrorCode = "SVC_6004"
)

// ServiceError is a structured error with a stable code, a human message,
// the HTTP status it should surface as, and an optional wrapped cause.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail key/value and returns the receiver for
// chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a ServiceError with no wrapped cause.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds a ServiceError around an existing error.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Unauthenticated covers missing, expired, or invalid tokens.
func Unauthenticated(message string) *ServiceError {
	return New(ErrCodeUnauthenticated, message, http.StatusUnauthorized)
}

// Forbidden covers insufficient permission on a resource the caller knows
// about.
func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// NotFound covers an unknown cell or item.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Conflict covers a duplicate user email at registration.
func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusBadRequest)
}

// DecryptFailed covers a bad envelope or the wrong derived key. Callers on
// the single-item read path surface this as 500; callers on the scan path
// instead attach a decryption_failed marker and keep going (see
// internal/httpapi).
func DecryptFailed(err error) *ServiceError {
	return Wrap(ErrCodeDecryptFailed, "decryption failed", http.StatusInternalServerError, err)
}

// InvalidInput covers a malformed body or an unknown operator/op name.
func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Unavailable covers a required subsystem being disabled, e.g. crypto
// turned off when an encrypted operation is requested.
func Unavailable(message string) *ServiceError {
	return New(ErrCodeUnavailable, message, http.StatusServiceUnavailable)
}

// RateLimited covers a caller exceeding its request quota.
func RateLimited(retryAfterSeconds int) *ServiceError {
	return New(ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

// Transient covers storage or bus I/O errors that are retried with
// backoff before being surfaced.
func Transient(operation string, err error) *ServiceError {
	return Wrap(ErrCodeTransient, "transient failure", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Internal covers everything else.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// IsServiceError reports whether err (or something it wraps) is a
// *ServiceError.
func IsServiceError(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr)
}

// GetServiceError extracts the *ServiceError from an error chain, if any.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status an error should surface as,
// defaulting to 500 for errors that are not ServiceErrors.
func GetHTTPStatus(err error) int {
	if svcErr := GetServiceError(err); svcErr != nil {
		return svcErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the ErrorCode for err, or "" if it is not a ServiceError.
func Code(err error) ErrorCode {
	if svcErr := GetServiceError(err); svcErr != nil {
		return svcErr.Code
	}
	return ""
}
