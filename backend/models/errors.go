package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation references a task id that does
// not exist or was already deleted
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed submission before any persistence
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ExecutionErrorCode is the fallback code recorded when the execution
// adapter fails without supplying a more specific one
const ExecutionErrorCode = "EXECUTION_ERROR"

// InterruptedErrorCode marks tasks found running after an unclean shutdown
const InterruptedErrorCode = "INTERRUPTED"

// ExecutionError captures an adapter failure into persistable fields
type ExecutionError struct {
	Code    string
	Message string
	Stack   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsExecutionError normalizes any adapter error into an ExecutionError,
// filling in the default code when none is present
func AsExecutionError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Code == "" {
			execErr.Code = ExecutionErrorCode
		}
		return execErr
	}
	return &ExecutionError{Code: ExecutionErrorCode, Message: err.Error()}
}
