package usercontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
)

// localsKey holds the UserContext in fiber Locals.
const localsKey = "kogflow.user"

// UserContext represents the complete user context for a request
type UserContext struct {
	UserID     uint              `json:"user_id"`
	Username   string            `json:"username"`
	IsLoggedIn bool              `json:"is_logged_in"`
	IsAdmin    bool              `json:"is_admin"`
	Tier       entitlements.Tier `json:"tier"`
}

// Set attaches the resolved identity to the request.
func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(localsKey, uc)
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if uc, ok := c.Locals(localsKey).(UserContext); ok {
		return uc
	}
	return UserContext{IsLoggedIn: false, IsAdmin: false, Tier: entitlements.TierFree}
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// IsAdmin checks if the current user is an admin
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetUserID returns the current user's ID, or 0 if not logged in
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
