// Package errors provides structured error handling for the tap.
//
// Every error raised by extraction, discovery or state persistence carries an
// ErrorType so the replication engine can classify it at its boundary without
// string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents authentication errors
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents data processing errors
	ErrorTypeData ErrorType = "data"

	// ErrorTypeDiscovery marks a failure to read source metadata. Fatal for the run.
	ErrorTypeDiscovery ErrorType = "discovery"
	// ErrorTypeExtraction marks a non-retryable extraction failure. Fatal for the stream.
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeTransient marks a retryable extraction failure.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeExpiredCursor marks a change-log position the source no longer retains.
	ErrorTypeExpiredCursor ErrorType = "expired_cursor"
	// ErrorTypeCheckpoint marks a state persistence failure. Fatal for the run.
	ErrorTypeCheckpoint ErrorType = "checkpoint"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame

	// RetryAfter is the server-suggested delay for transient errors, zero if none.
	RetryAfter time.Duration
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

// WithRetryAfter records a server-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
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
			Type:       errType,
			Message:    message,
			Cause:      err,
			Stack:      existingErr.Stack,
			RetryAfter: existingErr.RetryAfter,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Discovery wraps a metadata retrieval failure.
func Discovery(err error, message string) *Error {
	return wrapOrNew(err, ErrorTypeDiscovery, message)
}

// FatalExtraction wraps an extraction failure that must not be retried.
func FatalExtraction(err error, message string) *Error {
	return wrapOrNew(err, ErrorTypeExtraction, message)
}

// Transient wraps an extraction failure that may succeed on retry.
func Transient(err error, message string) *Error {
	return wrapOrNew(err, ErrorTypeTransient, message)
}

// ExpiredCursor wraps a change-log position that the source has discarded.
func ExpiredCursor(err error, message string) *Error {
	return wrapOrNew(err, ErrorTypeExpiredCursor, message)
}

// Checkpoint wraps a state persistence failure.
func Checkpoint(err error, message string) *Error {
	return wrapOrNew(err, ErrorTypeCheckpoint, message)
}

func wrapOrNew(err error, errType ErrorType, message string) *Error {
	if err == nil {
		e := New(errType, message)
		e.Stack = captureStack(3)
		return e
	}
	e := Wrap(err, errType, message)
	return e
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTransient, ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsType checks if the outermost structured error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// HasType reports whether any structured error in the chain is of the given type.
func HasType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost structured error, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// RetryAfter returns the server-suggested retry delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.RetryAfter
}

// Is, As and Join re-export the standard library helpers so callers need one import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

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
