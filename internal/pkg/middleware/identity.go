package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/usercontext"
)

// UserLookup resolves API keys to accounts.
type UserLookup interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
	TouchAPIKey(ctx context.Context, id uint, at time.Time) error
}

// Identity resolves the caller of every API request. A request carrying an
// API key (X-API-Key or Authorization: Bearer) is an authenticated user; a
// request without one is a guest. An unknown key is rejected rather than
// downgraded to a guest.
func Identity(users UserLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			usercontext.Set(c, usercontext.UserContext{Tier: entitlements.TierFree})
			return c.Next()
		}

		user, err := users.GetByAPIKeyHash(c.UserContext(), models.HashAPIKey(apiKey))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
			}
			log.Errorf("[Identity] API key lookup failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "API key verification failed"})
		}
		if !user.IsActive() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "User inactive"})
		}

		// Refresh last-used timestamp best-effort.
		if err := users.TouchAPIKey(c.UserContext(), user.ID, time.Now()); err != nil {
			log.Warnf("[Identity] Failed to update api key usage for user %d: %v", user.ID, err)
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     user.ID,
			Username:   user.Name,
			IsLoggedIn: true,
			IsAdmin:    user.IsAdmin(),
			Tier:       user.CurrentTier(),
		})
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
