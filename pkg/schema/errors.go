package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeBinding        = "BINDING_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeMissingInputs  = "MISSING_INPUTS"
	ErrCodeCodeDefinition = "CODE_DEFINITION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeCancelled      = "CANCELLED"
)

// LineageError is the structured error type for all lineage operations.
type LineageError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Op      string         `json:"op,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LineageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s] op %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LineageError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LineageError.
func NewError(code, message string) *LineageError {
	return &LineageError{Code: code, Message: message}
}

// NewErrorf creates a new LineageError with a formatted message.
func NewErrorf(code, format string, args ...any) *LineageError {
	return &LineageError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithOp attaches the name of the wrapped operator to the error.
func (e *LineageError) WithOp(op string) *LineageError {
	e.Op = op
	return e
}

// WithCause attaches an underlying cause.
func (e *LineageError) WithCause(err error) *LineageError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LineageError) WithDetails(details map[string]any) *LineageError {
	e.Details = details
	return e
}
