// Package errors provides structured error types for glue-athena-utils.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	// ErrCategoryConfiguration covers invalid settings detected before any
	// mutation: bad chunk sizes, reserved-key collisions, missing template
	// placeholders.
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"

	// ErrCategoryTemplate covers SQL template rendering failures.
	ErrCategoryTemplate ErrorCategory = "TEMPLATE"

	// ErrCategoryExecution covers statements rejected by a database backend.
	ErrCategoryExecution ErrorCategory = "EXECUTION"

	// ErrCategoryMigration covers schema migration sequencing failures.
	ErrCategoryMigration ErrorCategory = "MIGRATION"

	// ErrCategoryStorage covers object storage (S3) failures.
	ErrCategoryStorage ErrorCategory = "STORAGE"

	// ErrCategoryInternal covers unexpected internal failures.
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeInvalidChunkSize     = "INVALID_CHUNK_SIZE"
	CodeReservedKeyCollision = "RESERVED_KEY_COLLISION"
	CodeMissingPlaceholder   = "MISSING_PLACEHOLDER"
	CodeInvalidConfig        = "INVALID_CONFIG"

	// Template codes
	CodeRenderFailed  = "RENDER_FAILED"
	CodeInvalidSyntax = "INVALID_SYNTAX"

	// Execution codes
	CodeStatementFailed = "STATEMENT_FAILED"
	CodeQueryFailed     = "QUERY_FAILED"
	CodeTableNotFound   = "TABLE_NOT_FOUND"
	CodeThrottled       = "THROTTLED"

	// Migration codes
	CodeLockTimeout    = "LOCK_TIMEOUT"
	CodeMissingStep    = "MISSING_STEP"
	CodeStepFailed     = "STEP_FAILED"
	CodeVersionInvalid = "VERSION_INVALID"

	// Storage codes
	CodeDeleteRefused  = "DELETE_REFUSED"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an Error.
func GetCategory(err error) ErrorCategory {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an Error.
func GetCode(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryExecution && code == CodeThrottled:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigurationError(code, message string) *Error {
	return New(ErrCategoryConfiguration, code, message)
}

func NewTemplateError(message string, cause error) *Error {
	return Wrap(ErrCategoryTemplate, CodeRenderFailed, message, cause)
}

func NewExecutionError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryExecution, code, message, cause)
}

func NewMigrationError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryMigration, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
