package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/trumarket/backend/internal/apperrors"
	"github.com/trumarket/backend/internal/http/dto"
)

// fail renders a service error with its mapped status; unknown errors become
// an opaque 500 so internals never leak to clients.
func fail(c *fiber.Ctx, err error) error {
	status := apperrors.StatusOf(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		message = "internal server error"
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: message})
}
