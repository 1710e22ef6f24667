// Package errors provides structured error types for tracetab.
// All errors include a category, code and message so callers can dispatch on
// the kind of failure instead of matching strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryLoad     ErrorCategory = "LOAD"
	ErrCategoryTable    ErrorCategory = "TABLE"
	ErrCategorySource   ErrorCategory = "SOURCE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Load codes
	CodeOpenFailed       = "OPEN_FAILED"
	CodeAllocationFailed = "ALLOCATION_FAILED"
	CodeTruncatedTrace   = "TRUNCATED_TRACE"

	// Table codes
	CodeNoData             = "NO_DATA"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeReadOnly           = "READ_ONLY"
	CodeQueryFailed        = "QUERY_FAILED"

	// Source codes
	CodeUnsupportedScheme = "UNSUPPORTED_SCHEME"
	CodeFetchFailed       = "FETCH_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is dispatch. A TraceError matches a sentinel when
// category and code are equal; message and cause are ignored.
var (
	ErrOpenFailed         = New(ErrCategoryLoad, CodeOpenFailed, "trace cannot be opened")
	ErrAllocationFailed   = New(ErrCategoryLoad, CodeAllocationFailed, "row buffer cannot grow")
	ErrTruncatedTrace     = New(ErrCategoryLoad, CodeTruncatedTrace, "trace not fully consumed")
	ErrNoData             = New(ErrCategoryTable, CodeNoData, "no trace loaded")
	ErrInvariantViolation = New(ErrCategoryTable, CodeInvariantViolation, "table invariant violated")
)

// TraceError is the structured error type used throughout the system.
type TraceError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *TraceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TraceError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TraceError) Is(target error) bool {
	var t *TraceError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TraceError.
func New(category ErrorCategory, code, message string) *TraceError {
	return &TraceError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new TraceError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TraceError {
	return &TraceError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TraceError) WithDetails(details map[string]interface{}) *TraceError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TraceError.
func GetCategory(err error) ErrorCategory {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TraceError.
func GetCode(err error) string {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Convenience constructors for common errors.

// NewOpenError reports that the trace at path could not be opened.
func NewOpenError(path string, cause error) *TraceError {
	return Wrap(ErrCategoryLoad, CodeOpenFailed, fmt.Sprintf("failed to load trace file: %s", path), cause).
		WithDetails(map[string]interface{}{"path": path})
}

// NewAllocationError reports that the row buffer could not grow after rows
// rows had been decoded.
func NewAllocationError(path string, rows int, cause error) *TraceError {
	return Wrap(ErrCategoryLoad, CodeAllocationFailed, fmt.Sprintf("failed to load trace file: %s", path), cause).
		WithDetails(map[string]interface{}{"path": path, "rows": rows})
}

// NewTruncatedError reports that decoding stopped before the end of the trace.
func NewTruncatedError(path string, stop fmt.Stringer, rows int, cause error) *TraceError {
	msg := fmt.Sprintf("trace %s stopped on code %s after %d events (not end-of-trace)", path, stop, rows)
	return Wrap(ErrCategoryLoad, CodeTruncatedTrace, msg, cause).
		WithDetails(map[string]interface{}{"path": path, "stop": stop.String(), "rows": rows})
}

func NewNoDataError() *TraceError {
	return New(ErrCategoryTable, CodeNoData, "no trace data available, call load first")
}

func NewInvariantError(message string) *TraceError {
	return New(ErrCategoryTable, CodeInvariantViolation, message)
}

func NewSourceError(code, message string, cause error) *TraceError {
	return Wrap(ErrCategorySource, code, message, cause)
}

func NewConfigError(message string, cause error) *TraceError {
	return Wrap(ErrCategoryConfig, CodeInvalidConfig, message, cause)
}

func NewInternalError(message string, cause error) *TraceError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
