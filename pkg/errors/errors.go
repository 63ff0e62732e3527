// Package errors defines coded business errors shared across the orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of business error.
type Code string

const (
	CodeOK            Code = "OK"
	CodeUnknown       Code = "UNKNOWN"
	CodeInvalidParam  Code = "INVALID_PARAM"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeConflict      Code = "CONFLICT"
	CodeInternal      Code = "INTERNAL"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"

	// Saga lifecycle
	CodeInvalidState       Code = "INVALID_STATE"
	CodeStepFailed         Code = "STEP_FAILED"
	CodeCompensationFailed Code = "COMPENSATION_FAILED"
	CodeLockLost           Code = "LOCK_LOST"
	CodeLockHeld           Code = "LOCK_HELD"

	// Workflow definitions
	CodeWorkflowDisabled  Code = "WORKFLOW_DISABLED"
	CodeInvalidDefinition Code = "INVALID_DEFINITION"
)

// Error is a business error with a stable code.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf extracts the code from err, or CodeUnknown for plain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps the error code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidDefinition:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflict, CodeInvalidState, CodeLockHeld:
		return http.StatusConflict
	case CodeWorkflowDisabled:
		return http.StatusUnprocessableEntity
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeLockHeld, CodeConflict:
		return true
	default:
		return false
	}
}

// Predefined errors for the common cases.
var (
	ErrNotFound     = New(CodeNotFound, "not found")
	ErrInvalidParam = New(CodeInvalidParam, "invalid parameter")
	ErrInvalidState = New(CodeInvalidState, "invalid state for requested operation")
	ErrLockLost     = New(CodeLockLost, "saga lock lost")
	ErrLockHeld     = New(CodeLockHeld, "saga lock held by another worker")
)
