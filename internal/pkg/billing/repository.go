package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/KogFlow/app/models"
)

// Repository persists subscriptions and the webhook dedupe log.
type Repository interface {
	UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error
	ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.BillingSubscription, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

var (
	subscriptionKey = []clause.Column{{Name: "provider"}, {Name: "provider_subscription_id"}}
	webhookEventKey = []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}}

	subscriptionMutable = []string{
		"user_id", "tier", "status", "current_period_end",
		"cancel_at_period_end", "raw_payload_json", "updated_at",
	}
)

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// UpsertSubscription writes the provider's view of a subscription and reloads
// the row so sub.ID is set on both insert and update.
func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   subscriptionKey,
			DoUpdates: clause.AssignmentColumns(subscriptionMutable),
		}).Create(sub).Error
		if err != nil {
			return err
		}
		return tx.Where(&models.BillingSubscription{
			Provider:               sub.Provider,
			ProviderSubscriptionID: sub.ProviderSubscriptionID,
		}).Take(sub).Error
	})
}

func (r *gormRepository) ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&subs).Error
	return subs, err
}

// CreateWebhookEventIfNotExists reports created=false for a redelivered event
// and returns the stored row either way.
func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{Columns: webhookEventKey, DoNothing: true}).Create(event)
	if res.Error != nil {
		return false, nil, res.Error
	}

	stored := &models.BillingWebhookEvent{}
	err := db.Where(&models.BillingWebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
	}).Take(stored).Error
	if err != nil {
		return false, nil, err
	}
	return res.RowsAffected > 0, stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	return r.db.WithContext(ctx).
		Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at":     time.Now(),
			"processing_error": processingError,
		}).Error
}
