// Package ragerrors provides sentinel and custom error types for the retrieval pipeline.
package ragerrors

// ErrValidation represents a validation error.
// Use when an ingestion record or request input fails validation.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// Service names used in ServiceError.
const (
	ServiceEmbedding = "embedding"
	ServiceStore     = "store"
	ServiceAnalysis  = "analysis"
)

// ErrService is the sentinel for failures of an external collaborator (embedding, store, analysis).
var ErrService = &ServiceError{}

// ServiceError wraps a failure of an external collaborator. It is fatal for the in-flight operation.
type ServiceError struct {
	Service string
	Err     error
}

// NewServiceError wraps err as a failure of service.
func NewServiceError(service string, err error) *ServiceError {
	return &ServiceError{Service: service, Err: err}
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	name := e.Service
	if name == "" {
		name = "service"
	}

	if e.Err == nil {
		return name + " unavailable"
	}

	return name + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is implements the error interface for error comparison.
func (e *ServiceError) Is(target error) bool {
	_, ok := target.(*ServiceError)

	return ok
}
