// Package validation provides struct validation and ingestion record checks.
package validation

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/oddsdesk/roirag/internal/models"
)

// validate is safe for concurrent use once init has registered the custom validators.
// Do NOT register anything on it after init.
var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("no_null_bytes", validateNoNullBytes); err != nil {
		slog.Error("Failed to register no_null_bytes validator", "error", err)
	}
}

// FieldDetail is one field-level validation problem.
type FieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidateStruct validates a struct using go-playground/validator and returns a readable error.
func ValidateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return formatValidationErrors(err)
	}

	return nil
}

// Details extracts field-level details from an error returned by ValidateStruct.
func Details(err error) []FieldDetail {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}

	details := make([]FieldDetail, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		details = append(details, FieldDetail{
			Field:   fieldError.Field(),
			Message: formatFieldError(fieldError),
			Value:   fieldError.Value(),
		})
	}

	return details
}

// CheckCandidate validates one ingestion record against the store's embedding dimension.
// It returns ok=false with a skip reason and detail when the record must be excluded.
func CheckCandidate(c models.DocumentCandidate, dimension int) (reason, detail string, ok bool) {
	if c.Text == "" {
		return models.SkipReasonMissingText, "text is required", false
	}

	if len(c.Embedding) == 0 {
		return models.SkipReasonMissingEmbedding, "embedding is required", false
	}

	if len(c.Embedding) != dimension {
		return models.SkipReasonDimensionMismatch,
			fmt.Sprintf("embedding has %d dimensions, want %d", len(c.Embedding), dimension), false
	}

	var sumSquares float64
	for i, v := range c.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return models.SkipReasonInvalidField, fmt.Sprintf("embedding[%d] is not a finite number", i), false
		}

		sumSquares += float64(v) * float64(v)
	}

	// A zero vector has no direction, so its cosine distance to anything is undefined.
	if sumSquares == 0 {
		return models.SkipReasonInvalidField, "embedding has zero magnitude", false
	}

	if err := validate.Struct(c); err != nil {
		return models.SkipReasonInvalidField, formatValidationErrors(err).Error(), false
	}

	return "", "", true
}

// formatValidationErrors converts validator errors to a single message.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, formatFieldError(fieldError))
		}

		return &Error{Message: "validation failed: " + strings.Join(messages, "; "), cause: err}
	}

	return err
}

// Error is returned by ValidateStruct. It keeps the validator errors for Details.
type Error struct {
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the validator errors.
func (e *Error) Unwrap() error { return e.cause }

// formatFieldError formats a single field validation error.
func formatFieldError(fieldError validator.FieldError) string {
	field := fieldError.Field()

	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fieldError.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fieldError.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fieldError.Param())
	case "no_null_bytes":
		return field + " must not contain NULL bytes"
	default:
		return field + " is invalid"
	}
}

// validateNoNullBytes checks that a string field does not contain NULL bytes.
// Postgres rejects them in text columns, which would fail a whole COPY.
func validateNoNullBytes(fl validator.FieldLevel) bool {
	field := fl.Field()

	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return true
		}

		field = field.Elem()
	}

	if field.Kind() != reflect.String {
		return true
	}

	return !strings.Contains(field.String(), "\x00")
}
