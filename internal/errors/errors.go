// Package errors provides structured error types for the feature index.
// Every error carries a category and a code; callers branch on the code.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryIndex      ErrorCategory = "INDEX"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidEnvelope = "INVALID_ENVELOPE"
	CodeUnsupportedKind = "UNSUPPORTED_KIND"
	CodeInvalidConfig   = "INVALID_CONFIG"

	// Storage codes
	CodeReadOnly      = "READ_ONLY"
	CodeSchemaSetup   = "SCHEMA_SETUP"
	CodeTableNotFound = "TABLE_NOT_FOUND"
	CodeBusy          = "BUSY"

	// Index codes
	CodeRegistration    = "REGISTRATION"
	CodeTableNotIndexed = "TABLE_NOT_INDEXED"
	CodeRowIndexFailed  = "ROW_INDEX_FAILED"
	CodeChunkFailed     = "CHUNK_FAILED"

	// Query codes
	CodeUnsupportedQuery = "UNSUPPORTED_QUERY"
	CodeBackendFailed    = "BACKEND_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// IndexError is the structured error type used throughout the system.
type IndexError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *IndexError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *IndexError) Is(target error) bool {
	var t *IndexError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new IndexError.
func New(category ErrorCategory, code, message string) *IndexError {
	return &IndexError{Category: category, Code: code, Message: message}
}

// Wrap creates a new IndexError wrapping cause.
func Wrap(category ErrorCategory, code, message string, cause error) *IndexError {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithTable returns a copy of the error carrying the feature table and
// geometry column it relates to. The context is appended to the message so it
// survives plain string formatting.
func (e *IndexError) WithTable(table, column string) *IndexError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+2)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details["table"] = table
	cp.Details["column"] = column
	cp.Message = fmt.Sprintf("%s (table=%s, column=%s)", e.Message, table, column)
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an IndexError.
func GetCategory(err error) ErrorCategory {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an IndexError.
func GetCode(err error) string {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// HasCode reports whether any IndexError in the chain carries code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *IndexError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *IndexError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewIndexError(code, message string, cause error) *IndexError {
	return Wrap(ErrCategoryIndex, code, message, cause)
}

func NewQueryError(code, message string) *IndexError {
	return New(ErrCategoryQuery, code, message)
}

func NewInternalError(message string, cause error) *IndexError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
