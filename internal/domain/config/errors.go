// Package config holds the cluster configuration and the user-facing error
// types used to report configuration problems.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorization.
const (
	ErrCodeInventoryNotFound = "INVENTORY_NOT_FOUND"
	ErrCodeInventoryParse    = "INVENTORY_PARSE"
	ErrCodeInventoryInvalid  = "INVENTORY_INVALID"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeStateUnreadable   = "STATE_UNREADABLE"
)

// UserError represents a user-friendly error with actionable suggestions.
type UserError struct {
	Code       string // Error code for categorization (e.g., "INVENTORY_NOT_FOUND")
	Message    string // User-friendly error message
	Context    string // File path, field or other location context
	Suggestion string // Actionable suggestion to fix the error
	Underlying error  // Wrapped error for error chain
}

// Error returns the formatted error message.
func (e *UserError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Context != "" {
		fmt.Fprintf(&b, " (at %s)", e.Context)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain support.
func (e *UserError) Unwrap() error {
	return e.Underlying
}

// Is supports errors.Is() for comparing error codes.
func (e *UserError) Is(target error) bool {
	if t, ok := target.(*UserError); ok {
		return e.Code == t.Code
	}
	return false
}

// Format returns a fully formatted error with all details. Verbose output
// includes the underlying error.
func (e *UserError) Format(verbose bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Context != "" {
		fmt.Fprintf(&b, "\n  Location: %s", e.Context)
	}
	if verbose && e.Underlying != nil {
		fmt.Fprintf(&b, "\n  Details: %v", e.Underlying)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "\n  Suggestion: %s", e.Suggestion)
	}

	return b.String()
}

// NewUserError creates a new UserError with the given code and message.
func NewUserError(code, message string) *UserError {
	return &UserError{
		Code:    code,
		Message: message,
	}
}

// WithContext returns a new UserError with context set.
func (e *UserError) WithContext(ctx string) *UserError {
	c := *e
	c.Context = ctx
	return &c
}

// WithSuggestion returns a new UserError with suggestion set.
func (e *UserError) WithSuggestion(suggestion string) *UserError {
	c := *e
	c.Suggestion = suggestion
	return &c
}

// WithUnderlying returns a new UserError wrapping another error.
func (e *UserError) WithUnderlying(err error) *UserError {
	c := *e
	c.Underlying = err
	return &c
}

// ErrorList accumulates multiple errors for comprehensive reporting.
type ErrorList struct {
	errors []*UserError
}

// NewErrorList creates an empty ErrorList.
func NewErrorList() *ErrorList {
	return &ErrorList{
		errors: make([]*UserError, 0),
	}
}

// Add adds an error to the list.
func (l *ErrorList) Add(err *UserError) {
	if err != nil {
		l.errors = append(l.errors, err)
	}
}

// AddValidation adds a validation error to the list.
func (l *ErrorList) AddValidation(field, message, suggestion string) {
	l.Add(&UserError{
		Code:       ErrCodeValidationFailed,
		Message:    fmt.Sprintf("%s: %s", field, message),
		Context:    field,
		Suggestion: suggestion,
	})
}

// HasErrors returns true if there are any errors.
func (l *ErrorList) HasErrors() bool {
	return len(l.errors) > 0
}

// Len returns the number of errors.
func (l *ErrorList) Len() int {
	return len(l.errors)
}

// Errors returns the list of errors.
func (l *ErrorList) Errors() []*UserError {
	result := make([]*UserError, len(l.errors))
	copy(result, l.errors)
	return result
}

// Error implements the error interface for ErrorList.
func (l *ErrorList) Error() string {
	if len(l.errors) == 0 {
		return ""
	}
	if len(l.errors) == 1 {
		return l.errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:\n", len(l.errors))
	for i, err := range l.errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Format returns a detailed formatted output of all errors.
func (l *ErrorList) Format(verbose bool) string {
	if len(l.errors) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d error(s):\n", len(l.errors))
	for i, err := range l.errors {
		fmt.Fprintf(&b, "\n--- Error %d ---\n", i+1)
		b.WriteString(err.Format(verbose))
		b.WriteString("\n")
	}
	return b.String()
}

// AsError returns the ErrorList as an error, or nil if empty.
func (l *ErrorList) AsError() error {
	if !l.HasErrors() {
		return nil
	}
	return l
}

// NewInventoryNotFoundError creates an error for a missing inventory file.
func NewInventoryNotFoundError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeInventoryNotFound,
		Message:    fmt.Sprintf("inventory file not found: %s", path),
		Context:    path,
		Suggestion: "Pass the inventory with --inventory <path>.",
		Underlying: err,
	}
}

// NewInventoryParseError creates an error for YAML parsing failures.
func NewInventoryParseError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeInventoryParse,
		Message:    "failed to parse inventory file",
		Context:    path,
		Suggestion: "Check your YAML syntax. The inventory is either a list of {address, role} entries or a document with a hosts key.",
		Underlying: err,
	}
}

// NewInventoryInvalidError creates an error for an inventory that parsed but
// failed validation.
func NewInventoryInvalidError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeInventoryInvalid,
		Message:    fmt.Sprintf("invalid inventory: %v", err),
		Context:    path,
		Suggestion: "Every host needs a unique name or address and a role of control-plane or worker; at least one control-plane host is required.",
		Underlying: err,
	}
}

// NewStateUnreadableError creates an error for a convergence state file that
// cannot be loaded.
func NewStateUnreadableError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeStateUnreadable,
		Message:    "convergence state cannot be loaded",
		Context:    path,
		Suggestion: "Inspect the file, restore it from backup, or remove it with 'bootstrap reset' to start over.",
		Underlying: err,
	}
}

// IsUserError checks if an error is a UserError with a specific code.
func IsUserError(err error, code string) bool {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}

// IsConfigError reports whether err is a user-facing configuration problem.
func IsConfigError(err error) bool {
	var ue *UserError
	var list *ErrorList
	return errors.As(err, &ue) || errors.As(err, &list)
}
