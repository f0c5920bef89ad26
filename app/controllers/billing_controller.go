package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/KogFlow/internal/pkg/billing"
)

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*billing.Outcome, error)
}

type BillingController struct {
	webhooks WebhookHandler
}

func NewBillingController(webhooks WebhookHandler) *BillingController {
	return &BillingController{webhooks: webhooks}
}

// HandleWebhook applies a signed payment provider event.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()

	outcome, err := bc.webhooks.HandleWebhook(ctx, rawBody, c.Get(billing.SignatureHeader))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "outcome": outcome})
}
