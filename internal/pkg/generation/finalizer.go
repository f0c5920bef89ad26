package generation

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/KogFlow/internal/pkg/storage"
)

const (
	debitClaimPrefix  = "debit:"
	refundClaimPrefix = "refund:"
	defaultClaimTTL   = 24 * time.Hour
)

type FinalizeInput struct {
	Identity    ledger.Identity
	TaskID      string
	ProviderURL string
	Metadata    Metadata
}

type FinalizeResult struct {
	URL         string
	Watermarked bool
	Duplicate   bool
	GuestToken  string
}

// Finalizer performs the side effects of a successful task at most once
// per provider task id.
type Finalizer struct {
	ledger        Ledger
	store         ObjectStore
	records       Records
	watermarker   Watermarker
	fetcher       Fetcher
	claims        Claims
	counter       Counter
	policies      ledger.Policies
	resultsBucket string
	claimTTL      time.Duration
}

// Finalize re-hosts the result and, for the first caller only, debits
// OnSuccess identities and writes the history record. Watermark, re-host
// and persistence failures are logged and never fail the call.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) (*FinalizeResult, error) {
	const op = "generation.Finalize"
	if in.TaskID == "" || in.ProviderURL == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "task id and result url are required")
	}

	tier, err := f.ledger.TierOf(ctx, in.Identity)
	if err != nil {
		log.Warnf("[Finalizer] Tier lookup for %s failed, assuming free: %v", in.Identity, err)
		tier = entitlements.TierFree
	}

	if !in.Identity.IsGuest() {
		existing, err := f.records.FindExisting(ctx, in.TaskID, in.ProviderURL)
		if err != nil {
			log.Warnf("[Finalizer] Duplicate lookup for task %s failed: %v", in.TaskID, err)
		} else if existing != nil {
			log.Infof("[Finalizer] Task %s already finalized as generation %d", in.TaskID, existing.ID)
			return &FinalizeResult{URL: existing.ResultURL, Watermarked: existing.Watermarked, Duplicate: true}, nil
		}
	}

	url, key, watermarked := f.rehost(ctx, in, tier)
	result := &FinalizeResult{URL: url, Watermarked: watermarked}

	if in.Identity.IsGuest() {
		if f.policies.For(in.Identity) == ledger.DebitOnSuccess {
			result.GuestToken = f.debitGuestOnce(ctx, in)
		}
		f.counter.Inc(ctx, counter.EventCompleted)
		return result, nil
	}

	record := &models.Generation{
		UserID:            &in.Identity.UserID,
		ProjectID:         in.Metadata.ProjectID,
		ProviderTaskID:    in.TaskID,
		ProviderResultURL: in.ProviderURL,
		OriginalURL:       in.Metadata.OriginalURL,
		ResultURL:         url,
		Mode:              in.Metadata.Mode,
		Style:             in.Metadata.Style,
		RoomType:          in.Metadata.RoomType,
		Watermarked:       watermarked,
	}
	created, stored, err := f.records.CreateIfAbsent(ctx, record)
	if err != nil {
		log.Errorf("[Finalizer] %v", apperr.Wrap(apperr.KindPersistenceFailed, op, err))
		// without a row the claim falls back to the shared claim store
		if f.policies.For(in.Identity) == ledger.DebitOnSuccess && f.claim(ctx, debitClaimPrefix+in.TaskID) {
			f.debitUser(ctx, in)
		}
		f.counter.Inc(ctx, counter.EventCompleted)
		return result, nil
	}
	if !created {
		if key != "" && stored.ResultURL != url {
			f.deleteOrphan(ctx, key)
		}
		return &FinalizeResult{URL: stored.ResultURL, Watermarked: stored.Watermarked, Duplicate: true}, nil
	}

	if f.policies.For(in.Identity) == ledger.DebitOnSuccess {
		f.debitUser(ctx, in)
	}
	f.counter.Inc(ctx, counter.EventCompleted)
	log.Infof("[Finalizer] Task %s finalized as generation %d for user %d", in.TaskID, stored.ID, in.Identity.UserID)
	return result, nil
}

// rehost fetches the provider result, watermarks it when the tier requires
// it and uploads it. It falls back to the provider URL when the result
// cannot be fetched or uploaded.
func (f *Finalizer) rehost(ctx context.Context, in FinalizeInput, tier entitlements.Tier) (url, key string, watermarked bool) {
	data, contentType, err := f.fetcher.Fetch(ctx, in.ProviderURL)
	if err != nil {
		log.Warnf("[Finalizer] Fetching result of task %s failed, keeping provider url: %v", in.TaskID, err)
		return in.ProviderURL, "", false
	}

	if tier.RequiresWatermark() && f.watermarker != nil {
		marked, werr := f.watermarker.Apply(data)
		if werr != nil || len(marked) == 0 {
			log.Warnf("[Finalizer] %v", apperr.Wrapf(apperr.KindWatermarkFailed, "generation.Finalize", werr, "watermark of task %s failed, using original", in.TaskID))
		} else {
			data = marked
			contentType = "image/jpeg"
			watermarked = true
		}
	}

	// guests have no history row to dedupe against, so repeated polls
	// overwrite one object per task
	ext := storage.ExtensionFor(contentType)
	if in.Identity.IsGuest() {
		key = storage.TaskKey(ownerPrefix(in.Identity), in.TaskID, ext)
	} else {
		key = storage.ObjectKey(ownerPrefix(in.Identity), in.TaskID+ext)
	}
	url, err = f.store.Put(ctx, f.resultsBucket, key, data, contentType)
	if err != nil {
		log.Warnf("[Finalizer] Re-hosting result of task %s failed, keeping provider url: %v", in.TaskID, err)
		return in.ProviderURL, "", false
	}
	return url, key, watermarked
}

func (f *Finalizer) debitUser(ctx context.Context, in FinalizeInput) {
	res, err := f.ledger.ReserveAndDebit(ctx, in.Identity)
	if err != nil {
		log.Errorf("[Finalizer] Debit for task %s (%s) failed: %v", in.TaskID, in.Identity, err)
		return
	}
	if !res.Success {
		log.Warnf("[Finalizer] %s had no credit left when task %s completed", in.Identity, in.TaskID)
	}
}

func (f *Finalizer) debitGuestOnce(ctx context.Context, in FinalizeInput) string {
	key := debitClaimPrefix + in.TaskID
	if !f.claim(ctx, key) {
		return ""
	}
	res, err := f.ledger.ReserveAndDebit(ctx, in.Identity)
	if err != nil {
		log.Errorf("[Finalizer] Guest debit for task %s failed: %v", in.TaskID, err)
		f.release(ctx, key)
		return ""
	}
	return res.GuestToken
}

// claim reports whether this caller owns key. Without a claim store, or
// when it is unreachable, nobody owns it and no credit is moved.
func (f *Finalizer) claim(ctx context.Context, key string) bool {
	if f.claims == nil {
		return false
	}
	ok, err := f.claims.Claim(ctx, key, f.claimTTL)
	if err != nil {
		log.Warnf("[Finalizer] Claim %s failed: %v", key, err)
		return false
	}
	return ok
}

// release hands a claim back after the guarded ledger call failed, so the
// next poll can try again.
func (f *Finalizer) release(ctx context.Context, key string) {
	if f.claims == nil {
		return
	}
	if err := f.claims.Release(ctx, key); err != nil {
		log.Warnf("[Finalizer] Release of claim %s failed: %v", key, err)
	}
}

func (f *Finalizer) deleteOrphan(ctx context.Context, key string) {
	if err := f.store.Delete(ctx, f.resultsBucket, key); err != nil {
		log.Warnf("[Finalizer] Could not delete duplicate result %s: %v", key, err)
	}
}

func ownerPrefix(id ledger.Identity) string {
	if id.IsGuest() {
		return "guests"
	}
	return "users/" + uintString(id.UserID)
}
