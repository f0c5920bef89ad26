package billing

import (
	"encoding/json"
	"time"
)

const (
	EventInvoicePaid          = "invoice.paid"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionDeleted  = "subscription.deleted"
	DefaultProvider           = "stripe"
	SignatureHeader           = "X-Signature"
	signaturePrefix           = "sha256="
	ignoredProcessingMessage  = "ignored: unsupported event type"
)

// WebhookEvent is the provider-neutral envelope delivered to the webhook.
type WebhookEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventData carries the fields every supported event type uses.
type EventData struct {
	UserID            uint       `json:"userId" validate:"required"`
	Tier              string     `json:"tier"`
	SubscriptionID    string     `json:"subscriptionId"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	UserID          uint
	Tier            string
	PayloadJSON     string
}

// Outcome reports what the webhook did with a delivery.
type Outcome struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored"`
	Tier      string `json:"tier,omitempty"`
	Credited  int    `json:"credited,omitempty"`
}
