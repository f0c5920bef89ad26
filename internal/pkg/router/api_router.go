package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/KogFlow/app/controllers"
	"github.com/ManuelReschke/KogFlow/internal/pkg/middleware"
)

// Handlers are the controllers and middleware the API routes are bound to.
type Handlers struct {
	Identity    fiber.Handler
	Generations *controllers.GenerationController
	Videos      *controllers.VideoController
	Admin       *controllers.AdminController
	Billing     *controllers.BillingController
	Health      fiber.Handler
}

type LimiterConfig struct {
	// Storage is shared between instances; nil keeps counters in memory.
	Storage    fiber.Storage
	Max        int
	Expiration time.Duration
}

type ApiRouter struct {
	handlers Handlers
	limits   LimiterConfig
}

func NewApiRouter(handlers Handlers, limits LimiterConfig) *ApiRouter {
	if limits.Max <= 0 {
		limits.Max = 60
	}
	if limits.Expiration <= 0 {
		limits.Expiration = time.Minute
	}
	return &ApiRouter{handlers: handlers, limits: limits}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/health", h.handlers.Health)

	// Webhooks are authenticated by signature, not by API key.
	v1.Post("/billing/webhook", h.handlers.Billing.HandleWebhook)

	v1.Use(limiter.New(limiter.Config{
		Max:          h.limits.Max,
		Expiration:   h.limits.Expiration,
		KeyGenerator: controllers.GetClientIP,
		Storage:      h.limits.Storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}), h.handlers.Identity)

	gc := h.handlers.Generations
	v1.Post("/generations", gc.HandleSubmit)
	v1.Post("/generations/status", gc.HandleStatus)
	v1.Get("/credits", gc.HandleBalance)
	v1.Get("/generations", middleware.RequireUser, gc.HandleHistory)
	v1.Get("/profile", middleware.RequireUser, gc.HandleProfile)

	vc := h.handlers.Videos
	videos := v1.Group("/videos", middleware.RequireUser)
	videos.Post("/", vc.HandleDispatch)
	videos.Get("/clips/:taskId", vc.HandleClipStatus)
	videos.Post("/stitch", vc.HandleStitch)
	videos.Get("/", vc.HandleList)
	videos.Delete("/:id", vc.HandleDelete)

	ac := h.handlers.Admin
	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Post("/credits", ac.HandleAddCredits)
	admin.Get("/stats", ac.HandleStats)
}
