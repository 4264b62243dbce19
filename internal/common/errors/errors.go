// Package errors provides the error taxonomy shared by all fleetd components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeValidation  = "VALIDATION"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeCapacity    = "CAPACITY"
	ErrCodeBusy        = "BUSY"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeRecoverable = "RECOVERABLE"
	ErrCodeFatal       = "FATAL"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a validation error. The call it fails must leave no state change.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return Validation(fmt.Sprintf(format, args...))
}

// NotFound creates an error for a reference to an absent resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Capacity creates an error for an exceeded cap (agents, sessions, queues, locks).
func Capacity(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCapacity,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Busy creates an error for a resource conflict (lock held, agent saturated).
func Busy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Timeout creates an error for a probe, lock, or execution that exceeded its deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// Recoverable creates an error that escalates through the recovery ladder.
func Recoverable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRecoverable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Fatal creates an error for a failed recovery; raises a critical alert, no retry.
func Fatal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeFatal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Internal creates an internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsCapacity checks if the error is a capacity error.
func IsCapacity(err error) bool { return hasCode(err, ErrCodeCapacity) }

// IsBusy checks if the error is a busy error.
func IsBusy(err error) bool { return hasCode(err, ErrCodeBusy) }

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsRecoverable checks if the error escalates through the recovery ladder.
func IsRecoverable(err error) bool { return hasCode(err, ErrCodeRecoverable) }

// IsFatal checks if the error is fatal.
func IsFatal(err error) bool { return hasCode(err, ErrCodeFatal) }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
