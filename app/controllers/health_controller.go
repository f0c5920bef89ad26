package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// HandleHealth runs every check and answers 503 when one fails.
func HandleHealth(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		status := fiber.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = fiber.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		return c.Status(status).JSON(fiber.Map{"ok": status == fiber.StatusOK, "checks": results})
	}
}
