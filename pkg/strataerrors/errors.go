// Package strataerrors provides structured error handling for Strata.
package strataerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeBufferTimeout represents buffer acquisition timeouts
	ErrorTypeBufferTimeout ErrorType = "buffer_timeout"
	// ErrorTypeNotFound represents missing objects, prefixes or containers
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypePermission represents permission-denied failures
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeStorageIO represents transient storage I/O failures
	ErrorTypeStorageIO ErrorType = "storage_io"
	// ErrorTypeTimeout represents operation timeouts
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypePluginTimeout represents plugin load timeouts
	ErrorTypePluginTimeout ErrorType = "plugin_timeout"
	// ErrorTypePluginVersion represents plugin version incompatibilities
	ErrorTypePluginVersion ErrorType = "plugin_version"
	// ErrorTypePluginLoad represents plugin load failures
	ErrorTypePluginLoad ErrorType = "plugin_load"
	// ErrorTypeFormatNotFound represents unknown format identifiers
	ErrorTypeFormatNotFound ErrorType = "format_not_found"
	// ErrorTypeFormatConfig represents invalid format configuration
	ErrorTypeFormatConfig ErrorType = "format_config"
	// ErrorTypeDecode represents decode failures in a format codec
	ErrorTypeDecode ErrorType = "decode"
	// ErrorTypeEncode represents encode failures in a format codec
	ErrorTypeEncode ErrorType = "encode"
	// ErrorTypeCancelled represents cooperative cancellation
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeStorageIO, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal if err is
// not a structured error.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
