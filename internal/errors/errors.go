package errors

import (
	"fmt"
	"runtime"
)

// Error types for the allocator's failure categories
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeOutOfMemory    ErrorType = "out_of_memory"
	ErrorTypeInvalidFree    ErrorType = "invalid_free"
	ErrorTypeConfiguration  ErrorType = "configuration"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StructuredError of the same type.
// A target with an empty Operation matches every operation.
func (e *StructuredError) Is(target error) bool {
	t, ok := target.(*StructuredError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Operation == "" || t.Operation == e.Operation)
}

// Kind returns a bare error of the given type, meant as an errors.Is target.
func Kind(errType ErrorType) *StructuredError {
	return &StructuredError{Type: errType}
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(operation, message string) *StructuredError {
	return New(ErrorTypeInvalidRequest, operation, message)
}

// NewInvalidFreeError creates an invalid free error
func NewInvalidFreeError(operation, message string) *StructuredError {
	return New(ErrorTypeInvalidFree, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapOutOfMemoryError wraps a mapping failure as an out of memory error
func WrapOutOfMemoryError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeOutOfMemory, operation, message)
}
