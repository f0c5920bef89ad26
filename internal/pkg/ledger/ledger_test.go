package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/security"
)

// fakeAccounts mirrors the conditional statements of the gorm repository.
type fakeAccounts struct {
	mu         sync.Mutex
	users      map[uint]*models.User
	resetCalls int
	debitCalls int
}

func newFakeAccounts(users ...*models.User) *fakeAccounts {
	f := &fakeAccounts{users: map[uint]*models.User{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeAccounts) GetByID(_ context.Context, id uint) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeAccounts) ResetFreeCredits(_ context.Context, id uint, allotment int, now, windowStart time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	if u == nil || u.Tier != "free" {
		return false, nil
	}
	if u.LastCreditReset != nil && u.LastCreditReset.After(windowStart) {
		return false, nil
	}
	f.resetCalls++
	u.Credits = allotment
	u.LastCreditReset = &now
	return true, nil
}

func (f *fakeAccounts) DebitCredit(_ context.Context, id uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debitCalls++
	u := f.users[id]
	if u == nil || u.Credits <= 0 {
		return false, nil
	}
	u.Credits--
	return true, nil
}

func (f *fakeAccounts) AddCredits(_ context.Context, id uint, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	if u == nil {
		return gorm.ErrRecordNotFound
	}
	u.Credits += amount
	return nil
}

func (f *fakeAccounts) SetTier(_ context.Context, id uint, tier string, resetCredits *int, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	u.Tier = tier
	if resetCredits != nil {
		u.Credits = *resetCredits
		u.LastCreditReset = &now
	}
	return nil
}

func (f *fakeAccounts) credits(id uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].Credits
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T, accounts *fakeAccounts) (*Ledger, *clock, *security.GuestTokenCodec) {
	t.Helper()
	codec, err := security.NewGuestTokenCodec("ledger-test")
	require.NoError(t, err)
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(accounts, codec, WithClock(c.now)), c, codec
}

func TestGuestFreshAllotment(t *testing.T) {
	l, c, codec := newTestLedger(t, newFakeAccounts())

	for _, token := range []string{"", "garbage", "a.b"} {
		b, err := l.CheckBalance(context.Background(), Guest(token))
		require.NoError(t, err)
		assert.Equal(t, 2, b.Remaining)
		assert.True(t, b.CanProceed)
		assert.Equal(t, c.now().Add(24*time.Hour).UnixMilli(), b.ResetAt.UnixMilli())

		state, err := codec.Decode(b.GuestToken)
		require.NoError(t, err)
		assert.Equal(t, 2, state.Remaining)
	}
}

func TestGuestExpiredTokenIsTreatedAsAbsent(t *testing.T) {
	l, c, codec := newTestLedger(t, newFakeAccounts())

	expired, err := codec.Encode(security.GuestCredits{Remaining: 0, ResetAt: c.now().Add(-time.Minute).UnixMilli()})
	require.NoError(t, err)

	b, err := l.CheckBalance(context.Background(), Guest(expired))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Remaining)
	assert.True(t, b.CanProceed)
}

func TestGuestDebitUntilEmpty(t *testing.T) {
	l, _, _ := newTestLedger(t, newFakeAccounts())
	ctx := context.Background()

	first, err := l.ReserveAndDebit(ctx, Guest(""))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, 1, first.NewBalance)

	second, err := l.ReserveAndDebit(ctx, Guest(first.GuestToken))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.NewBalance)
	assert.Equal(t, first.ResetAt, second.ResetAt)

	b, err := l.CheckBalance(ctx, Guest(second.GuestToken))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Remaining)
	assert.False(t, b.CanProceed)

	third, err := l.ReserveAndDebit(ctx, Guest(second.GuestToken))
	require.NoError(t, err)
	assert.False(t, third.Success)
	assert.Equal(t, 0, third.NewBalance)
}

func TestGuestCheckBalanceIsPure(t *testing.T) {
	l, _, _ := newTestLedger(t, newFakeAccounts())
	ctx := context.Background()

	debit, err := l.ReserveAndDebit(ctx, Guest(""))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b, err := l.CheckBalance(ctx, Guest(debit.GuestToken))
		require.NoError(t, err)
		assert.Equal(t, 1, b.Remaining)
		assert.Equal(t, debit.GuestToken, b.GuestToken)
	}
}

func TestGuestWindowRollsOver(t *testing.T) {
	l, c, _ := newTestLedger(t, newFakeAccounts())
	ctx := context.Background()

	d1, err := l.ReserveAndDebit(ctx, Guest(""))
	require.NoError(t, err)
	d2, err := l.ReserveAndDebit(ctx, Guest(d1.GuestToken))
	require.NoError(t, err)
	require.Equal(t, 0, d2.NewBalance)

	c.advance(24 * time.Hour)
	b, err := l.CheckBalance(ctx, Guest(d2.GuestToken))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Remaining)
}

func TestUserFreeTierResetOncePerWindow(t *testing.T) {
	start := time.Date(2025, 2, 27, 0, 0, 0, 0, time.UTC)
	accounts := newFakeAccounts(&models.User{ID: 7, Tier: "free", Credits: 0, LastCreditReset: &start})
	l, c, _ := newTestLedger(t, accounts)
	ctx := context.Background()

	b, err := l.CheckBalance(ctx, User(7))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Remaining)
	assert.True(t, b.CanProceed)
	assert.Equal(t, 1, accounts.resetCalls)

	_, err = l.ReserveAndDebit(ctx, User(7))
	require.NoError(t, err)

	c.advance(23 * time.Hour)
	for i := 0; i < 3; i++ {
		b, err = l.CheckBalance(ctx, User(7))
		require.NoError(t, err)
		assert.Equal(t, 1, b.Remaining)
	}
	assert.Equal(t, 1, accounts.resetCalls)

	c.advance(time.Hour)
	b, err = l.CheckBalance(ctx, User(7))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Remaining)
	assert.Equal(t, 2, accounts.resetCalls)
}

func TestPaidTierNeverResets(t *testing.T) {
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	accounts := newFakeAccounts(&models.User{ID: 3, Tier: "pro", Credits: 0, LastCreditReset: &old})
	l, _, _ := newTestLedger(t, accounts)

	b, err := l.CheckBalance(context.Background(), User(3))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Remaining)
	assert.False(t, b.CanProceed)
	assert.Equal(t, entitlements.TierPro, b.Tier)
	assert.Zero(t, accounts.resetCalls)
}

func TestUserDebitFailsClosedAtZero(t *testing.T) {
	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	accounts := newFakeAccounts(&models.User{ID: 1, Tier: "starter", Credits: 1, LastCreditReset: &now})
	l, _, _ := newTestLedger(t, accounts)
	ctx := context.Background()

	res, err := l.ReserveAndDebit(ctx, User(1))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.NewBalance)

	res, err = l.ReserveAndDebit(ctx, User(1))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, accounts.credits(1))
	assert.Equal(t, 1, accounts.debitCalls)
}

func TestUserDebitNeverNegativeUnderConcurrency(t *testing.T) {
	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	accounts := newFakeAccounts(&models.User{ID: 1, Tier: "pro", Credits: 5, LastCreditReset: &now})
	l, _, _ := newTestLedger(t, accounts)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.ReserveAndDebit(context.Background(), User(1))
			if err == nil && res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	assert.Equal(t, 0, accounts.credits(1))
}

func TestUnknownUser(t *testing.T) {
	l, _, _ := newTestLedger(t, newFakeAccounts())

	_, err := l.CheckBalance(context.Background(), User(99))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = l.CheckBalance(context.Background(), Identity{Kind: KindUser})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))

	tier, err := l.TierOf(context.Background(), User(99))
	require.NoError(t, err)
	assert.Equal(t, entitlements.TierFree, tier)
}

func TestCredit(t *testing.T) {
	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	accounts := newFakeAccounts(&models.User{ID: 4, Tier: "pro", Credits: 3, LastCreditReset: &now})
	l, _, _ := newTestLedger(t, accounts)
	ctx := context.Background()

	res, err := l.Credit(ctx, User(4), 50)
	require.NoError(t, err)
	assert.Equal(t, CreditResult{Previous: 3, Added: 50, New: 53}, res)
	assert.Equal(t, 53, accounts.credits(4))

	_, err = l.Credit(ctx, User(4), 0)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	_, err = l.Credit(ctx, User(4), -5)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
}

func TestGuestRefundIsCapped(t *testing.T) {
	l, _, _ := newTestLedger(t, newFakeAccounts())
	ctx := context.Background()

	debit, err := l.ReserveAndDebit(ctx, Guest(""))
	require.NoError(t, err)

	refund, err := l.Refund(ctx, Guest(debit.GuestToken))
	require.NoError(t, err)
	assert.Equal(t, 2, refund.New)
	assert.Equal(t, 1, refund.Added)

	again, err := l.Refund(ctx, Guest(refund.GuestToken))
	require.NoError(t, err)
	assert.Equal(t, 2, again.New)
	assert.Equal(t, 0, again.Added)
}

func TestApplyTier(t *testing.T) {
	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	accounts := newFakeAccounts(&models.User{ID: 5, Tier: "business", Credits: 120, LastCreditReset: &now})
	l, _, _ := newTestLedger(t, accounts)
	ctx := context.Background()

	require.NoError(t, l.ApplyTier(ctx, 5, entitlements.TierPro))
	assert.Equal(t, 120, accounts.credits(5))

	require.NoError(t, l.ApplyTier(ctx, 5, entitlements.TierFree))
	assert.Equal(t, 2, accounts.credits(5))
	tier, err := l.TierOf(ctx, User(5))
	require.NoError(t, err)
	assert.Equal(t, entitlements.TierFree, tier)
}

func TestPolicies(t *testing.T) {
	assert.Equal(t, DebitEager, DefaultPolicies.For(Guest("")))
	assert.Equal(t, DebitOnSuccess, DefaultPolicies.For(User(1)))

	p, err := ParseDebitPolicy(" ON_SUCCESS ")
	require.NoError(t, err)
	assert.Equal(t, DebitOnSuccess, p)
	_, err = ParseDebitPolicy("later")
	assert.Error(t, err)
}
