// Package ledger meters credit consumption for guests and users. Guest state
// lives entirely in a signed client token; user balances live on the users
// table and are only written through conditional statements.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/security"
)

// Accounts is the persistence the ledger needs for user balances.
type Accounts interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	ResetFreeCredits(ctx context.Context, id uint, allotment int, now, windowStart time.Time) (bool, error)
	DebitCredit(ctx context.Context, id uint) (bool, error)
	AddCredits(ctx context.Context, id uint, amount int) error
	SetTier(ctx context.Context, id uint, tier string, resetCredits *int, now time.Time) error
}

// TokenCodec signs guest credit state.
type TokenCodec interface {
	Encode(credits security.GuestCredits) (string, error)
	Decode(token string) (security.GuestCredits, error)
}

type Balance struct {
	Remaining  int
	CanProceed bool
	Tier       entitlements.Tier
	ResetAt    time.Time
	// GuestToken is the normalized token for guests (fresh when the
	// submitted one was absent, invalid or expired).
	GuestToken string
}

type DebitResult struct {
	Success    bool
	NewBalance int
	ResetAt    time.Time
	GuestToken string
}

type CreditResult struct {
	Previous   int
	Added      int
	New        int
	GuestToken string
}

type Ledger struct {
	accounts  Accounts
	tokens    TokenCodec
	allotment int
	window    time.Duration
	now       func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithAllotment(credits int) Option {
	return func(l *Ledger) {
		if credits > 0 {
			l.allotment = credits
		}
	}
}

func WithResetWindow(window time.Duration) Option {
	return func(l *Ledger) {
		if window > 0 {
			l.window = window
		}
	}
}

func New(accounts Accounts, tokens TokenCodec, opts ...Option) *Ledger {
	l := &Ledger{
		accounts:  accounts,
		tokens:    tokens,
		allotment: entitlements.FreeDailyCredits,
		window:    24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckBalance reports the spendable balance. For users it first applies the
// lazy free-tier reset; for guests it is a pure read of the token.
func (l *Ledger) CheckBalance(ctx context.Context, id Identity) (Balance, error) {
	if id.IsGuest() {
		state := l.guestState(id.GuestToken)
		token, err := l.tokens.Encode(state)
		if err != nil {
			return Balance{}, apperr.Wrap(apperr.KindInternal, "ledger.CheckBalance", err)
		}
		return Balance{
			Remaining:  max(state.Remaining, 0),
			CanProceed: state.Remaining > 0,
			Tier:       entitlements.TierFree,
			ResetAt:    time.UnixMilli(state.ResetAt),
			GuestToken: token,
		}, nil
	}

	user, err := l.loadUser(ctx, "ledger.CheckBalance", id.UserID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Remaining:  max(user.Credits, 0),
		CanProceed: user.Credits > 0,
		Tier:       user.CurrentTier(),
		ResetAt:    l.nextReset(user),
	}, nil
}

// ReserveAndDebit takes one credit. An empty balance is a normal negative
// result (Success=false), not an error. For guests the returned token must
// replace the caller's token.
func (l *Ledger) ReserveAndDebit(ctx context.Context, id Identity) (DebitResult, error) {
	if id.IsGuest() {
		state := l.guestState(id.GuestToken)
		success := state.Remaining > 0
		if success {
			state.Remaining--
		}
		token, err := l.tokens.Encode(state)
		if err != nil {
			return DebitResult{}, apperr.Wrap(apperr.KindInternal, "ledger.ReserveAndDebit", err)
		}
		return DebitResult{
			Success:    success,
			NewBalance: max(state.Remaining, 0),
			ResetAt:    time.UnixMilli(state.ResetAt),
			GuestToken: token,
		}, nil
	}

	user, err := l.loadUser(ctx, "ledger.ReserveAndDebit", id.UserID)
	if err != nil {
		return DebitResult{}, err
	}
	if user.Credits <= 0 {
		return DebitResult{Success: false, ResetAt: l.nextReset(user)}, nil
	}
	ok, err := l.accounts.DebitCredit(ctx, user.ID)
	if err != nil {
		return DebitResult{}, apperr.Wrap(apperr.KindPersistenceFailed, "ledger.ReserveAndDebit", err)
	}
	if !ok {
		// lost a race against another debit
		return DebitResult{Success: false, ResetAt: l.nextReset(user)}, nil
	}
	log.Infof("[Ledger] Debited 1 credit from user %d (%d left)", user.ID, user.Credits-1)
	return DebitResult{Success: true, NewBalance: user.Credits - 1, ResetAt: l.nextReset(user)}, nil
}

// Credit adds credits. It never decrements.
func (l *Ledger) Credit(ctx context.Context, id Identity, amount int) (CreditResult, error) {
	if amount <= 0 {
		return CreditResult{}, apperr.New(apperr.KindInvalidInput, "ledger.Credit", "amount must be positive")
	}
	if id.IsGuest() {
		state := l.guestState(id.GuestToken)
		previous := state.Remaining
		state.Remaining += amount
		token, err := l.tokens.Encode(state)
		if err != nil {
			return CreditResult{}, apperr.Wrap(apperr.KindInternal, "ledger.Credit", err)
		}
		return CreditResult{Previous: previous, Added: amount, New: state.Remaining, GuestToken: token}, nil
	}

	user, err := l.loadUser(ctx, "ledger.Credit", id.UserID)
	if err != nil {
		return CreditResult{}, err
	}
	if err := l.accounts.AddCredits(ctx, user.ID, amount); err != nil {
		return CreditResult{}, apperr.Wrap(apperr.KindPersistenceFailed, "ledger.Credit", err)
	}
	log.Infof("[Ledger] Added %d credits to user %d", amount, user.ID)
	return CreditResult{Previous: user.Credits, Added: amount, New: user.Credits + amount}, nil
}

// Refund returns one credit taken for a job that did not complete. Guest
// refunds never exceed the daily allotment.
func (l *Ledger) Refund(ctx context.Context, id Identity) (CreditResult, error) {
	if !id.IsGuest() {
		return l.Credit(ctx, id, 1)
	}
	state := l.guestState(id.GuestToken)
	previous := state.Remaining
	if state.Remaining < l.allotment {
		state.Remaining++
	}
	token, err := l.tokens.Encode(state)
	if err != nil {
		return CreditResult{}, apperr.Wrap(apperr.KindInternal, "ledger.Refund", err)
	}
	return CreditResult{Previous: previous, Added: state.Remaining - previous, New: state.Remaining, GuestToken: token}, nil
}

// TierOf returns the subscription tier of the identity. Guests are free.
func (l *Ledger) TierOf(ctx context.Context, id Identity) (entitlements.Tier, error) {
	if id.IsGuest() {
		return entitlements.TierFree, nil
	}
	user, err := l.accounts.GetByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlements.TierFree, nil
		}
		return entitlements.TierFree, apperr.Wrap(apperr.KindInternal, "ledger.TierOf", err)
	}
	return user.CurrentTier(), nil
}

// ApplyTier switches a user's tier. Moving to the free tier resets the
// balance to the daily allotment; paid tiers keep the balance.
func (l *Ledger) ApplyTier(ctx context.Context, userID uint, tier entitlements.Tier) error {
	user, err := l.loadUser(ctx, "ledger.ApplyTier", userID)
	if err != nil {
		return err
	}
	tier = entitlements.ParseTier(string(tier))
	var reset *int
	if !tier.IsPaid() {
		allotment := l.allotment
		reset = &allotment
	}
	if err := l.accounts.SetTier(ctx, user.ID, string(tier), reset, l.now()); err != nil {
		return apperr.Wrap(apperr.KindPersistenceFailed, "ledger.ApplyTier", err)
	}
	log.Infof("[Ledger] User %d tier %s -> %s", user.ID, user.CurrentTier(), tier)
	return nil
}

// guestState decodes the token, falling back to a fresh allotment when it
// is absent, malformed, forged or past its reset time.
func (l *Ledger) guestState(token string) security.GuestCredits {
	now := l.now()
	fresh := security.GuestCredits{
		Remaining: l.allotment,
		ResetAt:   now.Add(l.window).UnixMilli(),
	}
	if token == "" {
		return fresh
	}
	state, err := l.tokens.Decode(token)
	if err != nil || now.UnixMilli() >= state.ResetAt {
		return fresh
	}
	return state
}

// loadUser reads the account and applies a due free-tier reset.
func (l *Ledger) loadUser(ctx context.Context, op string, userID uint) (*models.User, error) {
	if userID == 0 {
		return nil, apperr.New(apperr.KindUnauthorized, op, "user identity required")
	}
	user, err := l.accounts.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Wrapf(apperr.KindNotFound, op, err, "user %d not found", userID)
		}
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if !user.CurrentTier().HasDailyReset() {
		return user, nil
	}

	now := l.now()
	if user.LastCreditReset != nil && now.Sub(*user.LastCreditReset) < l.window {
		return user, nil
	}
	reset, err := l.accounts.ResetFreeCredits(ctx, user.ID, l.allotment, now, now.Add(-l.window))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistenceFailed, op, err)
	}
	if !reset {
		// another request reset the window first
		return l.reload(ctx, op, user.ID)
	}
	log.Infof("[Ledger] Reset free credits for user %d to %d", user.ID, l.allotment)
	user.Credits = l.allotment
	user.LastCreditReset = &now
	return user, nil
}

func (l *Ledger) reload(ctx context.Context, op string, userID uint) (*models.User, error) {
	user, err := l.accounts.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return user, nil
}

func (l *Ledger) nextReset(user *models.User) time.Time {
	if !user.CurrentTier().HasDailyReset() || user.LastCreditReset == nil {
		return time.Time{}
	}
	return user.LastCreditReset.Add(l.window)
}
