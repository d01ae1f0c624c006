package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
)

// DigestError is the structured error type returned across the module.
type DigestError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DigestError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DigestError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an operator retry could plausibly succeed.
func (e *DigestError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition,
		ErrCodeInvalidState, ErrCodeUnauthorized, ErrCodeCircuitOpen, ErrCodeNonRetryable:
		return false
	}
	return true
}

// NewError creates a new DigestError.
func NewError(code, message string) *DigestError {
	return &DigestError{Code: code, Message: message}
}

// NewErrorf creates a new DigestError with a formatted message.
func NewErrorf(code, format string, args ...any) *DigestError {
	return &DigestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *DigestError) WithStep(step string) *DigestError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *DigestError) WithCause(err error) *DigestError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DigestError) WithDetails(details map[string]any) *DigestError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first DigestError in err's chain, or "".
func CodeOf(err error) string {
	var de *DigestError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
