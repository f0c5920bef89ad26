package generation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imagegen"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
)

func userInput(userID uint, taskID string) FinalizeInput {
	style := "boho"
	return FinalizeInput{
		Identity:    ledger.User(userID),
		TaskID:      taskID,
		ProviderURL: "https://provider/" + taskID + ".png",
		Metadata: Metadata{
			UserID:      &userID,
			OriginalURL: "https://cdn.test/uploads/src.png",
			Mode:        imagegen.ModeAddFurniture,
			Style:       &style,
			RoomType:    "Bedroom",
		},
	}
}

func TestFinalizeTwiceCreatesOneRecordAndOneDebit(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 3
	f := h.orchestrator(Config{}).Finalizer()
	ctx := context.Background()

	first, err := f.Finalize(ctx, userInput(5, "task-a"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.Finalize(ctx, userInput(5, "task-a"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.URL, second.URL)

	assert.Equal(t, 1, h.records.count())
	assert.Equal(t, 1, h.ledger.debits)
	assert.Equal(t, 2, h.ledger.balances["user:5"])
	assert.Len(t, h.store.putsTo("generations"), 1)

	row := h.records.rows["task-a"]
	require.NotNil(t, row)
	assert.Equal(t, "https://provider/task-a.png", row.ProviderResultURL)
	assert.Equal(t, "boho", *row.Style)
	assert.Equal(t, "Bedroom", row.RoomType)
}

func TestFinalizeLostInsertRaceDoesNotDebit(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 3
	f := h.orchestrator(Config{}).Finalizer()
	ctx := context.Background()

	// another finalization inserted between our lookup and our insert
	winner := userInput(5, "task-b")
	_, _, err := h.records.CreateIfAbsent(ctx, recordFor(winner, "https://cdn.test/generations/winner.jpg"))
	require.NoError(t, err)
	f.records = &lookupMissRecords{h.records}

	res, err := f.Finalize(ctx, userInput(5, "task-b"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "https://cdn.test/generations/winner.jpg", res.URL)
	assert.Zero(t, h.ledger.debits)
	assert.Len(t, h.store.deletes, 1)
}

func TestFinalizeWatermarksFreeTier(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 1
	f := h.orchestrator(Config{}).Finalizer()

	res, err := f.Finalize(context.Background(), userInput(5, "task-c"))
	require.NoError(t, err)
	assert.True(t, res.Watermarked)

	puts := h.store.putsTo("generations")
	require.Len(t, puts, 1)
	assert.Equal(t, "WM:provider-image", string(puts[0].data))
	assert.Equal(t, "image/jpeg", puts[0].contentType)
}

func TestFinalizeSkipsWatermarkForPaidTier(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 1
	h.ledger.tiers[5] = entitlements.TierStarter
	f := h.orchestrator(Config{}).Finalizer()

	res, err := f.Finalize(context.Background(), userInput(5, "task-d"))
	require.NoError(t, err)
	assert.False(t, res.Watermarked)
	assert.Zero(t, h.watermarker.calls)
	assert.Equal(t, "provider-image", string(h.store.putsTo("generations")[0].data))
}

func TestFinalizeWatermarkFailureKeepsOriginal(t *testing.T) {
	h := newHarness()
	h.watermarker.err = errBoom
	f := h.orchestrator(Config{}).Finalizer()

	res, err := f.Finalize(context.Background(), FinalizeInput{Identity: ledger.Guest("guest-1"), TaskID: "task-e", ProviderURL: "https://provider/e.png"})
	require.NoError(t, err)
	assert.False(t, res.Watermarked)

	puts := h.store.putsTo("generations")
	require.Len(t, puts, 1)
	assert.NotEmpty(t, puts[0].data)
	assert.Equal(t, "provider-image", string(puts[0].data))
	assert.Equal(t, "image/png", puts[0].contentType)
}

func TestFinalizeRehostFailureFallsBackToProviderURL(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 1
	h.store.putErr["generations"] = errBoom
	f := h.orchestrator(Config{}).Finalizer()

	res, err := f.Finalize(context.Background(), userInput(5, "task-f"))
	require.NoError(t, err)
	assert.Equal(t, "https://provider/task-f.png", res.URL)
	assert.Equal(t, "https://provider/task-f.png", h.records.rows["task-f"].ResultURL)
	assert.Equal(t, 1, h.ledger.debits)
}

func TestFinalizeFetchFailureFallsBackToProviderURL(t *testing.T) {
	h := newHarness()
	h.fetcher.err = errBoom
	f := h.orchestrator(Config{}).Finalizer()

	res, err := f.Finalize(context.Background(), FinalizeInput{Identity: ledger.Guest(""), TaskID: "task-g", ProviderURL: "https://provider/g.png"})
	require.NoError(t, err)
	assert.Equal(t, "https://provider/g.png", res.URL)
	assert.Empty(t, h.store.puts)
}

func TestFinalizePersistenceFailureStillReturnsArtifact(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 2
	h.records.createErr = errBoom
	f := h.orchestrator(Config{}).Finalizer()
	ctx := context.Background()

	res, err := f.Finalize(ctx, userInput(5, "task-h"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.URL)
	assert.Equal(t, 1, h.ledger.debits)

	// the claim store keeps a retry from charging twice
	_, err = f.Finalize(ctx, userInput(5, "task-h"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.debits)
}

func TestFinalizeGuestEagerIsNotDebitedAgain(t *testing.T) {
	h := newHarness()
	h.ledger.balances["guest"] = 1
	f := h.orchestrator(Config{}).Finalizer()

	res, err := f.Finalize(context.Background(), FinalizeInput{Identity: ledger.Guest("guest-1"), TaskID: "task-i", ProviderURL: "https://provider/i.png"})
	require.NoError(t, err)
	assert.Empty(t, res.GuestToken)
	assert.Zero(t, h.ledger.debits)
	assert.Zero(t, h.records.count())
}

func TestFinalizeGuestOnSuccessDebitsOnce(t *testing.T) {
	h := newHarness()
	h.ledger.balances["guest"] = 2
	f := h.orchestrator(Config{Policies: ledger.Policies{Guest: ledger.DebitOnSuccess, User: ledger.DebitOnSuccess}}).Finalizer()
	ctx := context.Background()
	in := FinalizeInput{Identity: ledger.Guest("guest-2"), TaskID: "task-j", ProviderURL: "https://provider/j.png"}

	res, err := f.Finalize(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "guest-1", res.GuestToken)

	res, err = f.Finalize(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, res.GuestToken)
	assert.Equal(t, 1, h.ledger.debits)
}

func TestFinalizeGuestRepeatPollsReuseOneObject(t *testing.T) {
	h := newHarness()
	f := h.orchestrator(Config{}).Finalizer()
	ctx := context.Background()
	in := FinalizeInput{Identity: ledger.Guest("guest-1"), TaskID: "task-g", ProviderURL: "https://provider/g.png"}

	first, err := f.Finalize(ctx, in)
	require.NoError(t, err)
	second, err := f.Finalize(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.URL, second.URL)
	puts := h.store.putsTo("generations")
	require.Len(t, puts, 2)
	assert.Equal(t, puts[0].key, puts[1].key)
	assert.True(t, strings.HasPrefix(puts[0].key, "guests/task-g."), puts[0].key)
}

func TestFinalizeGuestDebitErrorIsRetriedOnNextPoll(t *testing.T) {
	h := newHarness()
	h.ledger.balances["guest"] = 2
	h.ledger.debitErr = errBoom
	f := h.orchestrator(Config{Policies: ledger.Policies{Guest: ledger.DebitOnSuccess, User: ledger.DebitOnSuccess}}).Finalizer()
	ctx := context.Background()
	in := FinalizeInput{Identity: ledger.Guest("guest-2"), TaskID: "task-r", ProviderURL: "https://provider/r.png"}

	res, err := f.Finalize(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, res.GuestToken)
	assert.Zero(t, h.ledger.debits)

	res, err = f.Finalize(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "guest-1", res.GuestToken)
	assert.Equal(t, 1, h.ledger.debits)

	res, err = f.Finalize(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, res.GuestToken)
	assert.Equal(t, 1, h.ledger.debits)
}

func TestFinalizeUserEagerPolicyDoesNotDebit(t *testing.T) {
	h := newHarness()
	h.ledger.balances["user:5"] = 2
	f := h.orchestrator(Config{Policies: ledger.Policies{Guest: ledger.DebitEager, User: ledger.DebitEager}}).Finalizer()

	_, err := f.Finalize(context.Background(), userInput(5, "task-k"))
	require.NoError(t, err)
	assert.Zero(t, h.ledger.debits)
	assert.Equal(t, 1, h.records.count())
}

func TestFinalizeRequiresTaskAndURL(t *testing.T) {
	h := newHarness()
	f := h.orchestrator(Config{}).Finalizer()

	_, err := f.Finalize(context.Background(), FinalizeInput{Identity: ledger.User(1), TaskID: "task-x"})
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}
