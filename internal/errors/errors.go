// Package errors provides unified error handling with structured error codes.
// Codes are plain strings so they can be logged and serialized to API clients as-is.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an AppError.
type Code string

const (
	CodeUnknown                      Code = "UNKNOWN"
	CodeInternal                     Code = "INTERNAL"
	CodeNotReadable                  Code = "NOT_READABLE"
	CodeCaptureFailed                Code = "CAPTURE_FAILED"
	CodeInvalidFingerprintComparison Code = "INVALID_FINGERPRINT_COMPARISON"
	CodeSurfaceGone                  Code = "SURFACE_GONE"
	CodeScreenshotUnavailable        Code = "SCREENSHOT_UNAVAILABLE"
	CodeDeliveryFailed               Code = "DELIVERY_FAILED"
	CodeConfigInvalid                Code = "CONFIG_INVALID"
	CodeNotFound                     Code = "NOT_FOUND"
)

// httpStatusMap maps error codes to HTTP status codes for the consumer API.
var httpStatusMap = map[Code]int{
	CodeUnknown:                      http.StatusInternalServerError,
	CodeInternal:                     http.StatusInternalServerError,
	CodeNotReadable:                  http.StatusForbidden,
	CodeCaptureFailed:                http.StatusBadGateway,
	CodeInvalidFingerprintComparison: http.StatusInternalServerError,
	CodeSurfaceGone:                  http.StatusGone,
	CodeScreenshotUnavailable:        http.StatusServiceUnavailable,
	CodeDeliveryFailed:               http.StatusBadGateway,
	CodeConfigInvalid:                http.StatusBadRequest,
	CodeNotFound:                     http.StatusNotFound,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if c, ok := httpStatusMap[e.Code]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf returns the code of the outermost AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if any AppError in err's chain has the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeScreenshotUnavailable, CodeDeliveryFailed:
		return true
	default:
		return false
	}
}
