package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the middleware.
type ErrorCode string

// Core error codes
const (
	ErrValidation      ErrorCode = "VALIDATION"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrCancelled       ErrorCode = "CANCELLED"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrHumanValidation ErrorCode = "HUMAN_VALIDATION"
)

// Guardrail error codes
const (
	ErrGuardrailFailed ErrorCode = "GUARDRAIL_FAILED"
	ErrTripwire        ErrorCode = "TRIPWIRE"
)

// Workflow / orchestration error codes
const (
	ErrStepFailed      ErrorCode = "STEP_FAILED"
	ErrSkillFailed     ErrorCode = "SKILL_FAILED"
	ErrPatternFailed   ErrorCode = "PATTERN_FAILED"
	ErrHandoffExceeded ErrorCode = "HANDOFF_LIMIT_EXCEEDED"
	ErrNoAgent         ErrorCode = "NO_AGENT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithSource records which component (skill, step, guardrail) raised the error.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// WithDetail attaches a key/value detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// WrapError wraps err with a code, keeping an existing *Error untouched.
func WrapError(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return NewError(code, message).WithCause(err)
}

// NewTimeoutError 超时错误
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message).WithRetryable(true)
}

// NewNotFoundError 资源不存在
func NewNotFoundError(kind, name string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s not found: %s", kind, name)).WithDetail(kind, name)
}
