// Package engine drives operation lifecycles: dependency gating, body
// execution under a timeout budget, outcome classification, retry cycling,
// and resource/cache updates on success.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass is the three-way classification of a body failure that decides
// what happens next: transient failures retry, fixable failures retry with a
// recorded remediation hint, fatal failures terminate the attempt.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary remote failure that may
	// succeed on retry. Examples: expired auth tokens, throttling.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFixable indicates a failure with a known remediation, such
	// as a name collision or an unregistered provider. Retried like a
	// transient failure, with the remediation hint logged.
	ErrorClassFixable ErrorClass = "fixable"

	// ErrorClassFatal indicates a non-recoverable failure.
	ErrorClassFatal ErrorClass = "fatal"
)

// OpError is a classified operation error with context.
type OpError struct {
	// Class is the failure classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the target resource ID, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation ID being driven when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s): %s", e.Class, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *OpError) Is(target error) bool {
	t, ok := target.(*OpError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewFixableError creates a new fixable error.
func NewFixableError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassFixable, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassFatal, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *OpError) WithCode(code string) *OpError {
	e.Code = code
	return e
}

// WithResource adds resource context.
func (e *OpError) WithResource(resourceID string) *OpError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context.
func (e *OpError) WithOperation(operationID string) *OpError {
	e.Operation = operationID
	return e
}

// IsRetryable returns true if the error class permits another attempt.
func IsRetryable(err error) bool {
	var e *OpError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassFixable
	}
	return false
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	var e *OpError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// Error codes stored on failed operation rows.
const (
	ErrCodeInvalidResourceData   = "INVALID_RESOURCE_DATA"
	ErrCodeStoreUnavailable      = "STORE_UNAVAILABLE"
	ErrCodeDependencyUnsatisfied = "DEPENDENCY_UNSATISFIED"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeBodyFailed            = "BODY_FAILED"
	ErrCodeCancelled             = "CANCELLED"
)
