// Package errors provides structured error handling for the loader.
//
// Every failure that crosses a package boundary is an *Error carrying an
// ErrorType. The type decides whether the retry policy may try again and
// how the failure is reported: storage and connection hiccups are retried,
// while state and config errors stop the load immediately.
package errors

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents invariant violations inside the loader
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents rejected input or misuse of an API
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents missing objects
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout represents deadlines hit while talking to a backend
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents unreachable backends
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents malformed protocol input
	ErrorTypeData ErrorType = "data"
	// ErrorTypeState represents checkpoint ordering and bookkeeping errors.
	// These are never retryable.
	ErrorTypeState ErrorType = "state"
	// ErrorTypeResource represents memory budget errors
	ErrorTypeResource ErrorType = "resource"
	// ErrorTypeStorage represents object storage errors
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeQuery represents failed statements against the DLQ database
	ErrorTypeQuery ErrorType = "query"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
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

// WithDetail adds a key-value detail to the error. It mutates e, so call it
// on fresh errors only, never on package-level sentinels.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with additional context. Details of a wrapped
// *Error are carried over so the outermost error describes the whole chain.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Type: errType, Message: message, Cause: err}

	var inner *Error
	if errors.As(err, &inner) {
		for k, v := range inner.Details {
			wrapped.WithDetail(k, v)
		}
	}
	return wrapped
}

// TypeOf returns the type of the outermost *Error in err's chain. Context
// cancellation and deadlines map to timeout; anything else is internal.
func TypeOf(err error) ErrorType {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Type
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		return ErrorTypeInternal
	}
}

// IsRetryable returns true if the error is retryable. A canceled context is
// never retryable, whatever the wrapping error says.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeStorage:
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

// Fields renders the error for structured logging: the error itself, its type
// and every detail in key order.
func Fields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err), zap.String("error_type", string(TypeOf(err)))}

	var e *Error
	if !errors.As(err, &e) || len(e.Details) == 0 {
		return fields
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, e.Details[k]))
	}
	return fields
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers do not need to import both packages.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
