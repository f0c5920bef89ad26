package controllers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/usercontext"
)

type CreditGranter interface {
	Credit(ctx context.Context, id ledger.Identity, amount int) (ledger.CreditResult, error)
}

type UsageStats interface {
	Day(ctx context.Context, date string) (map[string]int64, error)
	Today() string
}

// AdminController handles operator requests.
type AdminController struct {
	credits  CreditGranter
	stats    UsageStats
	validate *validator.Validate
}

func NewAdminController(credits CreditGranter, stats UsageStats) *AdminController {
	return &AdminController{credits: credits, stats: stats, validate: validator.New()}
}

type addCreditsRequest struct {
	UserID       uint `json:"userId" validate:"required"`
	CreditsToAdd int  `json:"creditsToAdd" validate:"required,gt=0,lte=100000"`
}

// HandleAddCredits tops up a user's balance.
func (ac *AdminController) HandleAddCredits(c *fiber.Ctx) error {
	const op = "controllers.HandleAddCredits"

	var req addCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, op, "Invalid request body")
	}
	if err := ac.validate.Struct(req); err != nil {
		return badRequest(c, op, "userId and a positive creditsToAdd are required")
	}

	res, err := ac.credits.Credit(c.UserContext(), ledger.User(req.UserID), req.CreditsToAdd)
	if err != nil {
		return writeError(c, err)
	}
	log.Infof("[Admin] %s added %d credits to user %d", usercontext.GetUserContext(c).Username, req.CreditsToAdd, req.UserID)
	return c.JSON(fiber.Map{
		"success":         true,
		"previousCredits": res.Previous,
		"creditsAdded":    res.Added,
		"newCredits":      res.New,
	})
}

// HandleStats returns the usage counters of one day (default today).
func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	date := c.Query("date", ac.stats.Today())
	counters, err := ac.stats.Day(c.UserContext(), date)
	if err != nil {
		return badRequest(c, "controllers.HandleStats", "date must be YYYY-MM-DD")
	}
	return c.JSON(fiber.Map{"date": date, "counters": counters})
}
