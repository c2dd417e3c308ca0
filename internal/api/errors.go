package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/router"
	"github.com/phrazzld/genqueue/internal/task"
)

// ErrInvalidID is returned when a path parameter is not a valid UUID.
var ErrInvalidID = errors.New("invalid id")

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	// Not found errors
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, router.ErrUnknownProvider):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, task.ErrInvalidTransition):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, task.ErrInvalidPayload),
		errors.Is(err, task.ErrUnsupportedTaskType),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, shared.ErrEmptyBody),
		errors.As(err, &validationErrs):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, router.ErrUnknownProvider):
		return "Provider not found"
	case errors.Is(err, task.ErrInvalidTransition):
		return "Task cannot change to the requested status"
	case errors.Is(err, task.ErrUnsupportedTaskType):
		return "Unsupported task type"
	case errors.Is(err, task.ErrInvalidPayload):
		return "Invalid task payload"
	case errors.Is(err, task.ErrInvalidTask):
		return "Invalid task"
	case errors.Is(err, ErrInvalidID):
		return "Invalid id format"
	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"
	case errors.As(err, &validationErrs):
		return SanitizeValidationError(err)
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fe := validationErrs[0]
		return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the mapped status and a safe message for err. A
// non-empty fallback replaces the generic message for unmapped errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
