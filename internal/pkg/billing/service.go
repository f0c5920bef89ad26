// Package billing feeds payment provider events into the credit ledger:
// paid invoices top up credits, subscription changes move the user's tier.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
)

// TierLedger is the part of the ledger billing writes to.
type TierLedger interface {
	TierOf(ctx context.Context, id ledger.Identity) (entitlements.Tier, error)
	ApplyTier(ctx context.Context, userID uint, tier entitlements.Tier) error
	Credit(ctx context.Context, id ledger.Identity, amount int) (ledger.CreditResult, error)
}

// Service provides provider-neutral billing synchronization.
type Service struct {
	repo     Repository
	ledger   TierLedger
	provider string
	secret   string
	validate *validator.Validate
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, l TierLedger, provider, webhookSecret string) *Service {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		p = DefaultProvider
	}
	return &Service{repo: repo, ledger: l, provider: p, secret: webhookSecret, validate: validator.New()}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, l TierLedger, provider, webhookSecret string) *Service {
	return NewService(NewRepository(db), l, provider, webhookSecret)
}

// HandleWebhook verifies, records and applies one delivery. A delivery whose
// event id was seen before is acknowledged without being applied again, unless
// the earlier attempt recorded a processing error.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	const op = "billing.HandleWebhook"
	if !VerifyWebhookSignature(payload, signature, s.secret) {
		return nil, apperr.New(apperr.KindUnauthorized, op, "invalid webhook signature")
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "malformed webhook payload")
	}
	var data EventData
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "malformed event data")
		}
	}

	created, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        s.provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		UserID:          data.UserID,
		Tier:            data.Tier,
		PayloadJSON:     string(payload),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailed, op, err)
	}
	outcome := &Outcome{EventID: stored.ProviderEventID, Type: event.Type}
	if !created {
		if !failedBefore(stored) {
			log.Infof("[Billing] Duplicate delivery of event %s ignored", stored.ProviderEventID)
			outcome.Duplicate = true
			return outcome, nil
		}
		log.Infof("[Billing] Retrying event %s after failure: %s", stored.ProviderEventID, stored.ProcessingError)
	}

	applyErr := s.apply(ctx, event.Type, data, string(payload), outcome)
	processing := ""
	switch {
	case applyErr != nil:
		processing = applyErr.Error()
	case outcome.Ignored:
		processing = ignoredProcessingMessage
	}
	if err := s.repo.MarkWebhookProcessed(ctx, stored.ID, processing); err != nil {
		log.Errorf("[Billing] Failed to mark event %d processed: %v", stored.ID, err)
	}
	if applyErr != nil {
		return nil, applyErr
	}
	return outcome, nil
}

// failedBefore reports whether a stored event was processed with an error.
// Rows still being processed, or never marked, are left alone so two
// deliveries cannot both credit the user.
func failedBefore(e *models.BillingWebhookEvent) bool {
	return e.ProcessedAt != nil && e.ProcessingError != "" && e.ProcessingError != ignoredProcessingMessage
}

func (s *Service) apply(ctx context.Context, eventType string, data EventData, raw string, out *Outcome) error {
	const op = "billing.apply"
	switch eventType {
	case EventInvoicePaid, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		log.Infof("[Billing] Ignoring event type %q", eventType)
		out.Ignored = true
		return nil
	}
	if err := s.validate.Struct(data); err != nil {
		return apperr.Wrapf(apperr.KindInvalidInput, op, err, "userId is required")
	}

	switch eventType {
	case EventInvoicePaid:
		tier := entitlements.ParseTier(data.Tier)
		if !tier.IsPaid() {
			return apperr.New(apperr.KindInvalidInput, op, fmt.Sprintf("invoice for unpaid tier %q", data.Tier))
		}
		if data.SubscriptionID != "" {
			if err := s.upsertSubscription(ctx, data, tier, models.BillingStatusActive, raw); err != nil {
				return err
			}
		}
		if err := s.ledger.ApplyTier(ctx, data.UserID, tier); err != nil {
			return err
		}
		topUp := entitlements.TopUpCredits(tier)
		if _, err := s.ledger.Credit(ctx, ledger.User(data.UserID), topUp); err != nil {
			return err
		}
		log.Infof("[Billing] Invoice paid: user %d on %s, +%d credits", data.UserID, tier, topUp)
		out.Tier, out.Credited = string(tier), topUp
		return nil

	case EventSubscriptionUpdated:
		if data.SubscriptionID == "" {
			return apperr.New(apperr.KindInvalidInput, op, "subscriptionId is required")
		}
		status := strings.ToLower(strings.TrimSpace(data.Status))
		if status == "" {
			status = models.BillingStatusActive
		}
		if err := s.upsertSubscription(ctx, data, entitlements.ParseTier(data.Tier), status, raw); err != nil {
			return err
		}

	case EventSubscriptionDeleted:
		if data.SubscriptionID == "" {
			return apperr.New(apperr.KindInvalidInput, op, "subscriptionId is required")
		}
		if err := s.upsertSubscription(ctx, data, entitlements.ParseTier(data.Tier), models.BillingStatusCanceled, raw); err != nil {
			return err
		}
	}

	tier, err := s.ReconcileUserTier(ctx, data.UserID)
	if err != nil {
		return err
	}
	out.Tier = string(tier)
	return nil
}

func (s *Service) upsertSubscription(ctx context.Context, data EventData, tier entitlements.Tier, status, raw string) error {
	sub := &models.BillingSubscription{
		UserID:                 data.UserID,
		Provider:               s.provider,
		ProviderSubscriptionID: strings.TrimSpace(data.SubscriptionID),
		Tier:                   string(tier),
		Status:                 status,
		CurrentPeriodEnd:       data.CurrentPeriodEnd,
		CancelAtPeriodEnd:      data.CancelAtPeriodEnd,
		RawPayloadJSON:         raw,
	}
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailed, "billing.upsertSubscription", err)
	}
	return nil
}

// ReconcileUserTier computes the best tier granted by the user's entitling
// subscriptions and applies it when it differs from the current one.
func (s *Service) ReconcileUserTier(ctx context.Context, userID uint) (entitlements.Tier, error) {
	const op = "billing.ReconcileUserTier"
	if userID == 0 {
		return entitlements.TierFree, apperr.New(apperr.KindInvalidInput, op, "user_id is required")
	}

	subs, err := s.repo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return entitlements.TierFree, apperr.Wrap(apperr.KindPersistenceFailed, op, err)
	}

	best := entitlements.TierFree
	for _, sub := range subs {
		if !sub.Entitling() {
			continue
		}
		if candidate := entitlements.ParseTier(sub.Tier); entitlements.Rank(candidate) > entitlements.Rank(best) {
			best = candidate
		}
	}

	current, err := s.ledger.TierOf(ctx, ledger.User(userID))
	if err != nil {
		return entitlements.TierFree, err
	}
	if current == best {
		return best, nil
	}
	if err := s.ledger.ApplyTier(ctx, userID, best); err != nil {
		return entitlements.TierFree, err
	}
	log.Infof("[Billing] User %d reconciled from %s to %s", userID, current, best)
	return best, nil
}

// RecordWebhookEvent persists webhook payloads idempotently. Deliveries
// without an event id are keyed by a hash of their payload.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	eventType := strings.TrimSpace(in.EventType)
	if eventType == "" {
		eventType = "unknown"
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		UserID:          in.UserID,
		Tier:            in.Tier,
		PayloadJSON:     in.PayloadJSON,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}
