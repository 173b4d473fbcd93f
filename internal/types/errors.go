package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Loom engine errors.
type ErrorCode string

// Registry and DAG error codes
const (
	MANIFEST_INVALID    ErrorCode = "MANIFEST_INVALID"
	DEPENDENCY_MISSING  ErrorCode = "DEPENDENCY_MISSING"
	CIRCULAR_DEPENDENCY ErrorCode = "CIRCULAR_DEPENDENCY"
	DAG_INVALID         ErrorCode = "DAG_INVALID"
	NODE_DUPLICATE      ErrorCode = "NODE_DUPLICATE"
)

// Execution error codes
const (
	LOCK_CONTENTION       ErrorCode = "LOCK_CONTENTION"
	UNIT_EXECUTION_FAILED ErrorCode = "UNIT_EXECUTION_FAILED"
	UNIT_TIMEOUT          ErrorCode = "UNIT_TIMEOUT"
	RETRY_EXHAUSTED       ErrorCode = "RETRY_EXHAUSTED"
	UNIT_SKIPPED          ErrorCode = "UNIT_SKIPPED"
)

// Workflow error codes
const (
	WORKFLOW_INVALID_STATE ErrorCode = "WORKFLOW_INVALID_STATE"
	WORKFLOW_CANCELLED     ErrorCode = "WORKFLOW_CANCELLED"
	WORKFLOW_NOT_FOUND     ErrorCode = "WORKFLOW_NOT_FOUND"
)

// Configuration and persistence error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
	STORE_OPEN_FAILED        ErrorCode = "STORE_OPEN_FAILED"
	STORE_QUERY_FAILED       ErrorCode = "STORE_QUERY_FAILED"
	STORE_MIGRATION_FAILED   ErrorCode = "STORE_MIGRATION_FAILED"
)

// LoomError represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints for error handling logic.
type LoomError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *LoomError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *LoomError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a LoomError with the same Code.
func (e *LoomError) Is(target error) bool {
	var loomErr *LoomError
	if errors.As(target, &loomErr) {
		return e.Code == loomErr.Code
	}
	return false
}

// NewError creates a new non-retryable LoomError with the given code and message.
func NewError(code ErrorCode, message string) *LoomError {
	return &LoomError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a new retryable LoomError with the given code and message.
// Use this for transient errors that may succeed on retry.
func NewRetryableError(code ErrorCode, message string) *LoomError {
	return &LoomError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable LoomError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *LoomError {
	return &LoomError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the ErrorCode from err if it is a LoomError, or "" otherwise.
func CodeOf(err error) ErrorCode {
	var loomErr *LoomError
	if errors.As(err, &loomErr) {
		return loomErr.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var loomErr *LoomError
	if errors.As(err, &loomErr) {
		return loomErr.Retryable
	}
	return false
}
