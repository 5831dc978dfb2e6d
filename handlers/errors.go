package handlers

import (
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"tournament-escrow/safety"
	"tournament-escrow/services"
)

// statusFor maps an error to the HTTP status the admin API answers with.
func statusFor(err error) int {
	var open *safety.CircuitOpenError
	switch {
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &open):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, safety.ErrRateLimitExceeded):
		return fiber.StatusTooManyRequests
	}
	switch services.KindOf(err) {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindDomain:
		return fiber.StatusConflict
	case services.KindTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		log.Printf("❌ [API] %s %s: %v", c.Method(), c.Path(), err)
	}

	var open *safety.CircuitOpenError
	if errors.As(err, &open) && !open.RetryAt.IsZero() {
		secs := int(time.Until(open.RetryAt).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  services.KindOf(err).String(),
	})
}
