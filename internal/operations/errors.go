package operations

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of operation error
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeDependency   ErrorType = "dependency"
	ErrorTypeCancellation ErrorType = "cancellation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInvalidState ErrorType = "invalid_state"
)

// OperationError is a request-level failure of the manager, as opposed to a
// stage failure, which is recorded on the stage as a StructuredError.
type OperationError struct {
	Type      ErrorType `json:"type"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "unknown operation error"
	}
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Type, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(step, message string) *OperationError {
	return &OperationError{Type: ErrorTypeValidation, Step: step, Message: message}
}

// NewDependencyError creates a new dependency error
func NewDependencyError(step, dependsOn string) *OperationError {
	return &OperationError{
		Type:    ErrorTypeDependency,
		Step:    step,
		Message: fmt.Sprintf("requires %s to have succeeded", dependsOn),
	}
}

// NewInvalidStateError reports a transition the stage's status does not allow
func NewInvalidStateError(step, message string) *OperationError {
	return &OperationError{Type: ErrorTypeInvalidState, Step: step, Message: message, Cause: ErrInvalidState}
}

// GetErrorType returns the type of the error
func GetErrorType(err error) ErrorType {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Type
	}
	return ""
}

var (
	// ErrRunNotFound is returned when no run has the given ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when a run ID is reused.
	ErrRunExists = errors.New("run already exists")
	// ErrRunActive is returned when a run or stage is still executing.
	ErrRunActive = errors.New("run is active")
	// ErrInvalidState is wrapped by transition errors.
	ErrInvalidState = errors.New("invalid state transition")
)

// errStageSkipped reports that a stage was skipped while it waited to retry.
var errStageSkipped = errors.New("stage skipped")
