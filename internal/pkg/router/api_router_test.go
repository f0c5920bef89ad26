package router

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/KogFlow/app/controllers"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/usercontext"
)

func guestIdentity(c *fiber.Ctx) error {
	usercontext.Set(c, usercontext.UserContext{Tier: entitlements.TierFree})
	return c.Next()
}

func newTestApp(max int) *fiber.App {
	app := fiber.New()
	InstallRouter(app, NewApiRouter(Handlers{
		Identity:    guestIdentity,
		Generations: controllers.NewGenerationController(nil, nil, nil, nil),
		Videos:      controllers.NewVideoController(nil, nil, nil, nil, nil, "videos"),
		Admin:       controllers.NewAdminController(nil, nil),
		Billing:     controllers.NewBillingController(nil),
		Health:      controllers.HandleHealth(nil),
	}, LimiterConfig{Max: max, Expiration: time.Minute}))
	return app
}

func TestGuestsCannotReachUserRoutes(t *testing.T) {
	app := newTestApp(100)

	for _, path := range []string{"/api/v1/generations", "/api/v1/profile", "/api/v1/videos", "/api/v1/admin/stats"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestHealthBypassesIdentity(t *testing.T) {
	app := newTestApp(100)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestLimiterKeysByClientIP(t *testing.T) {
	app := newTestApp(2)

	call := func(ip string) int {
		req := httptest.NewRequest("GET", "/api/v1/profile", nil)
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusUnauthorized, call("198.51.100.1"))
	assert.Equal(t, fiber.StatusUnauthorized, call("198.51.100.1"))
	assert.Equal(t, fiber.StatusTooManyRequests, call("198.51.100.1"))
	assert.Equal(t, fiber.StatusUnauthorized, call("198.51.100.2"))
}
