// Package errors defines the service error taxonomy shared by the ledger,
// the marketplace and the HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the kind of failure.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// ServiceError carries a code, a caller-facing message and the HTTP status
// the error should surface as.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches any ServiceError with the same code, so sentinels such as
// ErrInsufficientFunds work with errors.Is.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetails returns a copy of e with key set in Details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation        = &ServiceError{Code: CodeValidation}
	ErrNotFound          = &ServiceError{Code: CodeNotFound}
	ErrInsufficientFunds = &ServiceError{Code: CodeInsufficientFunds}
	ErrInvalidState      = &ServiceError{Code: CodeInvalidState}
	ErrConflict          = &ServiceError{Code: CodeConflict}
	ErrForbidden         = &ServiceError{Code: CodeForbidden}
	ErrUnauthorized      = &ServiceError{Code: CodeUnauthorized}
	ErrInternal          = &ServiceError{Code: CodeInternal}
)

func newError(code ErrorCode, status int, msg string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: msg, HTTPStatus: status, Err: err}
}

// Validation reports malformed or missing input.
func Validation(format string, args ...interface{}) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, fmt.Sprintf(format, args...), nil)
}

// NotFound reports a missing wallet, stake or asset.
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InsufficientFunds reports a failed balance precondition.
func InsufficientFunds(available, required int64) *ServiceError {
	return newError(CodeInsufficientFunds, http.StatusUnprocessableEntity, "insufficient funds", nil).
		WithDetails("available", available).
		WithDetails("required", required)
}

// InvalidState reports an operation that is illegal in the current state.
func InvalidState(format string, args ...interface{}) *ServiceError {
	return newError(CodeInvalidState, http.StatusConflict, fmt.Sprintf(format, args...), nil)
}

// Conflict reports a duplicate or exhausted transactional retries.
func Conflict(msg string, err error) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, msg, err)
}

// Forbidden reports a caller without the required rights.
func Forbidden(msg string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, msg, nil)
}

// Unauthorized reports a missing or unusable credential.
func Unauthorized(msg string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, msg, nil)
}

// InvalidToken reports a bearer token that failed validation.
func InvalidToken(err error) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, "invalid token", err)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal wraps an unexpected failure. The message is caller-safe; err is
// kept for logging only.
func Internal(msg string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, msg, err)
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsServiceError reports whether err carries a ServiceError.
func IsServiceError(err error) bool {
	return GetServiceError(err) != nil
}
