package errors

import (
	stderrors "errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryTransport Category = "transport"
	CategoryControl   Category = "control"
	CategoryHandler   Category = "handler"
	CategoryDeploy    Category = "deploy"
	CategoryStartup   Category = "startup"
)

// RupyError is a structured error with a code, an explanation and a hint.
type RupyError struct {
	// Code is a unique error identifier (e.g., "R401").
	Code string

	// Category is the error type (transport, deploy, etc.).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *RupyError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *RupyError) Unwrap() error {
	return e.Wrapped
}

// WithSuggestion adds a fix suggestion to the error.
func (e *RupyError) WithSuggestion(s string) *RupyError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *RupyError) WithDetail(d string) *RupyError {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *RupyError) Wrap(err error) *RupyError {
	e.Wrapped = err
	return e
}

// Fatal reports whether the error should stop the process.
func (e *RupyError) Fatal() bool {
	return e.Category == CategoryStartup
}

// New creates a RupyError from a registered error code.
func New(code string) *RupyError {
	template, ok := registry[code]
	if !ok {
		return &RupyError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &RupyError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
	}
}

// Newf creates a new RupyError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *RupyError {
	return &RupyError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a RupyError.
// An error chain that already contains a RupyError is returned unchanged.
func FromError(err error, code string) *RupyError {
	if err == nil {
		return nil
	}
	var re *RupyError
	if stderrors.As(err, &re) {
		return re
	}
	return New(code).Wrap(err)
}

// IsFatal reports whether err carries a startup-category RupyError.
func IsFatal(err error) bool {
	var re *RupyError
	return stderrors.As(err, &re) && re.Fatal()
}

// CategoryOf returns the category of the first RupyError in err's chain.
func CategoryOf(err error) Category {
	var re *RupyError
	if stderrors.As(err, &re) {
		return re.Category
	}
	return ""
}
