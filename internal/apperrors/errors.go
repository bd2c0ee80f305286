// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// Job execution taxonomy.
	ErrLaunch    = errors.New("launch error")
	ErrExecution = errors.New("execution error")
	ErrTimeout   = errors.New("timeout")
	ErrStorage   = errors.New("storage error")
)

// Machine-readable reason codes returned by the Control API.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeUnknownKind      = "unknown_kind"
	CodeUnknownParameter = "unknown_parameter"
	CodeInvalidParameter = "invalid_parameter"
	CodeOutOfRange       = "parameter_out_of_range"
	CodeMissingInput     = "missing_input"
	CodeUnsupportedInput = "unsupported_input_format"
	CodeInputTooLarge    = "input_too_large"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeInternal         = "internal"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Code     string // Machine-readable reason code
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "kind", "step")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "artifact.stageInput")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and, when present, the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return ValidationCode(CodeInvalidRequest, field, message)
}

// ValidationCode creates a validation error carrying a reason code.
func ValidationCode(code, field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     code,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Code:     CodeConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Launch reports a worker container that could not be started.
func Launch(op string, cause error) error {
	return &Error{
		Sentinel: ErrLaunch,
		Code:     "launch_failed",
		Message:  fmt.Sprintf("launch failed: %s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Execution reports a worker that ran and did not succeed.
func Execution(message string) error {
	return &Error{
		Sentinel: ErrExecution,
		Code:     "execution_failed",
		Message:  message,
	}
}

// Timeout reports a job that exceeded its maximum duration.
func Timeout(limit time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Code:     "timeout",
		Message:  fmt.Sprintf("timed out after %s", limit),
	}
}

// Storage reports an artifact read, write or delete failure.
func Storage(op string, cause error) error {
	return &Error{
		Sentinel: ErrStorage,
		Code:     "storage_error",
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// CodeOf returns the reason code of err, or a code derived from its sentinel.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
