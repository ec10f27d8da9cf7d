// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All numbering errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes following domain-driven design
const (
	// Infrastructure errors (5xx)
	CodeInternal               = "INTERNAL_ERROR"
	CodePersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"

	// Validation errors (400)
	CodeValidation   = "VALIDATION_ERROR"
	CodeInvalidInput = "INVALID_INPUT"

	// Allocation rule violations (409, 422)
	CodeAllocationInvariant    = "ALLOCATION_INVARIANT_VIOLATION"
	CodeRangeNotAllocated      = "RANGE_NOT_ALLOCATED"
	CodeRangeExhausted         = "RANGE_EXHAUSTED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Idempotency errors (409, 422)
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyMismatch = "IDEMPOTENCY_MISMATCH"
)

// AppError is the standard error type for the service.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (key, attempted value, conflicting range)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewAllocationInvariantViolation reports two ranges of one operation type that overlap.
// It is never corrected automatically.
func NewAllocationInvariantViolation(key string, conflictsWith string) *AppError {
	return &AppError{
		Code:       CodeAllocationInvariant,
		Message:    "Number ranges overlap",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"key":            key,
			"conflicts_with": conflictsWith,
		},
	}
}

// NewRangeNotAllocated is returned when numbers are requested for a pair without a range.
func NewRangeNotAllocated(key string) *AppError {
	return &AppError{
		Code:       CodeRangeNotAllocated,
		Message:    "No number range allocated for key",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"key": key},
	}
}

// NewRangeExhausted is returned instead of issuing a number outside the active block.
func NewRangeExhausted(key string, attempted int64, rangeDesc string) *AppError {
	return &AppError{
		Code:       CodeRangeExhausted,
		Message:    "Number range exhausted",
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"key":       key,
			"attempted": attempted,
			"range":     rangeDesc,
		},
	}
}

// NewConcurrentModification creates an optimistic locking error
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeConcurrentModification,
		Message:    "Record was modified concurrently. Re-read and try again.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewPersistenceUnavailable wraps a storage failure. No number is ever fabricated locally.
func NewPersistenceUnavailable(op string, err error) *AppError {
	return &AppError{
		Code:       CodePersistenceUnavailable,
		Message:    "Range store unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"operation": op},
		Err:        err,
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewIdempotencyConflict is returned while another request holds the same key.
func NewIdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyConflict,
		Message:    "A request with this idempotency key is in progress",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// NewIdempotencyMismatch is returned when a key is reused for a different request.
func NewIdempotencyMismatch(key string) *AppError {
	return &AppError{
		Code:       CodeIdempotencyMismatch,
		Message:    "Idempotency key was used for a different request",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"idempotency_key": key},
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsConcurrentModification checks if error is CodeConcurrentModification
func IsConcurrentModification(err error) bool {
	return HasCode(err, CodeConcurrentModification)
}

// IsAllocationInvariantViolation checks if error is CodeAllocationInvariant
func IsAllocationInvariantViolation(err error) bool {
	return HasCode(err, CodeAllocationInvariant)
}

// IsRangeNotAllocated checks if error is CodeRangeNotAllocated
func IsRangeNotAllocated(err error) bool {
	return HasCode(err, CodeRangeNotAllocated)
}

// IsRangeExhausted checks if error is CodeRangeExhausted
func IsRangeExhausted(err error) bool {
	return HasCode(err, CodeRangeExhausted)
}

// IsPersistenceUnavailable checks if error is CodePersistenceUnavailable
func IsPersistenceUnavailable(err error) bool {
	return HasCode(err, CodePersistenceUnavailable)
}
