package errors

import (
	"errors"
	"fmt"

	"paircall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeDeviceError  ErrorCode = "DEVICE_ERROR"
	ErrCodeChannelWrite ErrorCode = "CHANNEL_WRITE_ERROR"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeNegotiation  ErrorCode = "NEGOTIATION_ERROR"
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// FromDomain maps a domain sentinel error to an AppError for surfacing to the
// embedding application. Unknown errors map to INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return WrapError(err, ErrCodeDeviceError, "camera or microphone unavailable")
	case errors.Is(err, domain.ErrRecordExists):
		return WrapError(err, ErrCodeConflict, "signaling record already exists")
	case errors.Is(err, domain.ErrRecordNotFound):
		return WrapError(err, ErrCodeNotFound, "signaling record not found")
	case errors.Is(err, domain.ErrChannelWrite):
		return WrapError(err, ErrCodeChannelWrite, "signaling write failed")
	case errors.Is(err, domain.ErrNegotiationFailed):
		return WrapError(err, ErrCodeNegotiation, "connection negotiation failed")
	case errors.Is(err, domain.ErrInvalidTransition):
		return WrapError(err, ErrCodeInvalidState, "operation not valid in current state")
	default:
		return WrapError(err, ErrCodeInternal, "internal error")
	}
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
