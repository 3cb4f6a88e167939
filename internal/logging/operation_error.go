package logging

import (
	"fmt"

	"github.com/example/equipment-voice/internal/failure"
)

// OperationError annotates an error with operation metadata.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind returns the failure kind of the wrapped error, or io_failure when the
// cause was never classified.
func (e *OperationError) Kind() failure.Kind {
	if kind, ok := failure.KindOf(e.Err); ok {
		return kind
	}
	return failure.KindIOFailure
}

// Cause returns the innermost message meant for callers, without the
// operation prefix.
func (e *OperationError) Cause() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if inner, ok := e.Err.(*OperationError); ok {
		return inner.Cause()
	}
	return e.Err.Error()
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}
