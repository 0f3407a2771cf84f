// Package errors provides a lightweight structured error type (ProvisionError)
// for category-based classification of worktree provisioning failures in the
// HTTP and CLI adapters.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of a provisioning error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryNotFound   ErrorCategory = "not_found"

	// External system integration errors
	CategoryNetwork     ErrorCategory = "network"
	CategoryGit         ErrorCategory = "git"
	CategoryPersistence ErrorCategory = "persistence"

	// Local resources
	CategoryFileSystem ErrorCategory = "filesystem"

	// Runtime and infrastructure errors
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// ProvisionError is a structured error with category, retryability, and context
type ProvisionError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"-"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for ProvisionError
type ContextFields map[string]any

// Error implements the error interface
func (e *ProvisionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *ProvisionError) WithContext(key string, value any) *ProvisionError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new ProvisionError
func New(category ErrorCategory, severity ErrorSeverity, message string) *ProvisionError {
	return &ProvisionError{
		Category: category,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new ProvisionError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *ProvisionError {
	return &ProvisionError{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// WrapRetryable creates a new retryable ProvisionError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *ProvisionError {
	e := Wrap(err, category, severity, message)
	e.Retryable = true
	return e
}

// AsProvision extracts the outermost ProvisionError from an error chain.
func AsProvision(err error) (*ProvisionError, bool) {
	var pe *ProvisionError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsCategory checks if an error chain carries a ProvisionError of the given category
func IsCategory(err error, category ErrorCategory) bool {
	if pe, ok := AsProvision(err); ok {
		return pe.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if pe, ok := AsProvision(err); ok {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a ProvisionError
func GetCategory(err error) ErrorCategory {
	if pe, ok := AsProvision(err); ok {
		return pe.Category
	}
	return CategoryInternal
}
