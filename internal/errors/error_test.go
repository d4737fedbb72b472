package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeInvalidRequest, "allocate", "size must be positive")
	expected := "[invalid_request] allocate: size must be positive"
	assert.Equal(t, expected, err.Error())

	// Test error with cause
	cause := errors.New("cannot allocate memory")
	err = Wrap(cause, ErrorTypeOutOfMemory, "allocate", "page mapping failed")
	assert.Contains(t, err.Error(), "[out_of_memory] allocate: page mapping failed")
	assert.Contains(t, err.Error(), "cannot allocate memory")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeInvalidFree, "free", "unknown tag")
	err = err.WithContext("tag", uint32(99)).WithContext("ptr", "0xdeadbeef")

	assert.Equal(t, uint32(99), err.Context["tag"])
	assert.Equal(t, "0xdeadbeef", err.Context["ptr"])
}

func TestStructuredError_Is(t *testing.T) {
	err := WrapOutOfMemoryError(errors.New("ENOMEM"), "allocate", "page mapping failed")

	assert.True(t, errors.Is(err, Kind(ErrorTypeOutOfMemory)))
	assert.False(t, errors.Is(err, Kind(ErrorTypeInvalidRequest)))
	assert.True(t, errors.Is(err, &StructuredError{Type: ErrorTypeOutOfMemory, Operation: "allocate"}))
	assert.False(t, errors.Is(err, &StructuredError{Type: ErrorTypeOutOfMemory, Operation: "resize"}))

	var se *StructuredError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "allocate", se.Operation)
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeInvalidRequest, NewInvalidRequestError("op", "msg").Type)
	assert.Equal(t, ErrorTypeInvalidFree, NewInvalidFreeError("op", "msg").Type)
	assert.Equal(t, ErrorTypeConfiguration, NewConfigurationError("op", "msg").Type)
	assert.Equal(t, ErrorTypeOutOfMemory, WrapOutOfMemoryError(errors.New("x"), "op", "msg").Type)

	// Test that Wrap returns nil for nil error
	assert.Nil(t, Wrap(nil, ErrorTypeOutOfMemory, "op", "msg"))
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "invalid_request", string(ErrorTypeInvalidRequest))
	assert.Equal(t, "out_of_memory", string(ErrorTypeOutOfMemory))
	assert.Equal(t, "invalid_free", string(ErrorTypeInvalidFree))
	assert.Equal(t, "configuration", string(ErrorTypeConfiguration))
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeInvalidFree, "test", "message")
	// Should have captured some stack frames
	assert.Greater(t, len(err.Stack), 0)
}
