package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	ErrCodeAlreadyEnrolled   = "ALREADY_ENROLLED"
	ErrCodeSequenceInactive  = "SEQUENCE_NOT_ACTIVE"
	ErrCodeSequenceLocked    = "SEQUENCE_LOCKED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeBounce            = "BOUNCE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeThrottled         = "THROTTLED"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// DripError is the structured error type for all sequence engine operations.
type DripError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DripError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DripError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DripError.
func NewError(code, message string) *DripError {
	return &DripError{Code: code, Message: message}
}

// NewErrorf creates a new DripError with a formatted message.
func NewErrorf(code, format string, args ...any) *DripError {
	return &DripError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *DripError) WithStep(stepID string) *DripError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *DripError) WithCause(err error) *DripError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DripError) WithDetails(details map[string]any) *DripError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first DripError in err's chain, or "".
func ErrorCode(err error) string {
	var de *DripError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries a DripError with the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsRetryable reports whether the failure is transient: the same call may
// succeed on a later pass without any change to the sequence or subscriber.
func (e *DripError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore, ErrCodeThrottled:
		return true
	default:
		return false
	}
}
