package entitlements

import "strings"

type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// FreeDailyCredits is the allotment a free account is reset to every window.
const FreeDailyCredits = 2

// ParseTier normalizes a stored or submitted tier name. Unknown values are free.
// "agency" is the former name of the business tier.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(TierStarter):
		return TierStarter
	case string(TierPro):
		return TierPro
	case string(TierBusiness), "agency":
		return TierBusiness
	default:
		return TierFree
	}
}

// IsPaid reports whether the tier belongs to a paying subscription.
func (t Tier) IsPaid() bool {
	return ParseTier(string(t)) != TierFree
}

// RequiresWatermark reports whether results for this tier are branded.
func (t Tier) RequiresWatermark() bool {
	return !t.IsPaid()
}

// HasDailyReset reports whether the balance is refilled lazily every window.
func (t Tier) HasDailyReset() bool {
	return !t.IsPaid()
}

// TopUpCredits returns the credits granted per paid billing period.
func TopUpCredits(t Tier) int {
	switch ParseTier(string(t)) {
	case TierStarter:
		return 10
	case TierPro:
		return 50
	case TierBusiness:
		return 250
	default:
		return FreeDailyCredits
	}
}

// Rank orders tiers for upgrade/downgrade decisions.
func Rank(t Tier) int {
	switch ParseTier(string(t)) {
	case TierBusiness:
		return 3
	case TierPro:
		return 2
	case TierStarter:
		return 1
	default:
		return 0
	}
}
