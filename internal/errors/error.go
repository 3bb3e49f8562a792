package errors

import (
	stderrors "errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryManifest Category = "manifest"
	CategoryVersion  Category = "version"
	CategoryProcess  Category = "process"
	CategoryUpdate   Category = "update"
	CategoryFetch    Category = "fetch"
	CategoryConfig   Category = "config"
	CategoryStorage  Category = "storage"
)

// StationError is a structured error with a stable code, category, and
// optional remediation hints.
type StationError struct {
	// Code is a unique error identifier (e.g., "E203").
	Code string

	// Category is the error type (manifest, process, update, ...).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Component names the component the error relates to, if any.
	Component string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *StationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *StationError) Unwrap() error {
	return e.Wrapped
}

// WithDetail adds a detailed explanation to the error.
func (e *StationError) WithDetail(format string, args ...any) *StationError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithComponent records which component the error relates to.
func (e *StationError) WithComponent(name string) *StationError {
	e.Component = name
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *StationError) WithSuggestion(s string) *StationError {
	e.Suggestion = s
	return e
}

// Wrap wraps another error.
func (e *StationError) Wrap(err error) *StationError {
	e.Wrapped = err
	return e
}

// New creates a StationError from a registered error code.
func New(code string) *StationError {
	template, ok := registry[code]
	if !ok {
		return &StationError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &StationError{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new StationError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *StationError {
	return &StationError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a StationError.
func FromError(err error, code string) *StationError {
	if err == nil {
		return nil
	}
	var se *StationError
	if stderrors.As(err, &se) {
		return se
	}
	return New(code).Wrap(err)
}

// HasCode reports whether any error in err's chain carries the given code.
func HasCode(err error, code string) bool {
	var se *StationError
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// CodeOf returns the code of the first StationError in err's chain, or ""
// if there is none.
func CodeOf(err error) string {
	var se *StationError
	if !stderrors.As(err, &se) {
		return ""
	}
	return se.Code
}
