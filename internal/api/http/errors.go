package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/pipeline"
	"github.com/i474232898/weather-etl/internal/store"
)

// StatusFor maps an error from a pipeline operation to an HTTP status.
func StatusFor(err error) int {
	var (
		fe  *fiber.Error
		nf  *errs.NotFoundError
		ve  *errs.ValidationError
		te  *errs.TransportError
		be  *errs.BatchItemError
		pme *errs.ProtocolMismatchError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &nf), errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &ve):
		return fiber.StatusUnprocessableEntity
	case errors.As(err, &te), errors.As(err, &be), errors.As(err, &pme):
		return fiber.StatusBadGateway
	case errors.Is(err, pipeline.ErrUnknownStep),
		errors.Is(err, pipeline.ErrUnknownProvider),
		errors.Is(err, pipeline.ErrRunKeyRequired):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler is the centralized fiber error response.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
