package http

import (
	"errors"

	apperrors "studio-core/internal/shared/errors"

	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError maps err onto its status code and error body.
func writeError(c *fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)
	resp := ErrorResponse{Error: errorCode(status), Message: err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Error = string(appErr.Type)
		if len(appErr.Details) > 0 {
			resp.Details = appErr.Details
		}
	}
	return c.Status(status).JSON(resp)
}

func badRequest(c *fiber.Ctx, message string) error {
	return writeError(c, apperrors.NewValidationError(message))
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return string(apperrors.ErrorTypeValidation)
	case fiber.StatusUnauthorized:
		return string(apperrors.ErrorTypeAuthentication)
	case fiber.StatusForbidden:
		return string(apperrors.ErrorTypeAuthorization)
	case fiber.StatusNotFound:
		return string(apperrors.ErrorTypeNotFound)
	case fiber.StatusConflict:
		return string(apperrors.ErrorTypeConflict)
	case fiber.StatusBadGateway:
		return string(apperrors.ErrorTypeInfrastructure)
	default:
		return string(apperrors.ErrorTypeInternal)
	}
}
