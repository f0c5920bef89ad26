package models

import "time"

const (
	BillingStatusActive   = "active"
	BillingStatusTrialing = "trialing"
	BillingStatusPastDue  = "past_due"
	BillingStatusCanceled = "canceled"
	BillingStatusExpired  = "expired"
)

// BillingSubscription mirrors a payment provider subscription and the tier
// it entitles its user to.
type BillingSubscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Tier                   string     `gorm:"type:varchar(20);not null;default:'free';index" json:"tier"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active'" json:"status"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	RawPayloadJSON         string     `gorm:"type:longtext" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Entitling reports whether the subscription currently grants its tier.
func (s BillingSubscription) Entitling() bool {
	switch s.Status {
	case BillingStatusActive, BillingStatusTrialing, BillingStatusPastDue:
		return true
	default:
		return false
	}
}
