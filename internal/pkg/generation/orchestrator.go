package generation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imagegen"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/KogFlow/internal/pkg/storage"
	"github.com/ManuelReschke/KogFlow/internal/pkg/upload"
)

const (
	guestLimitMessage   = "Daily guest limit reached. Log in for more."
	userNoCreditMessage = "Insufficient credits"
)

type Config struct {
	UploadsBucket        string
	ResultsBucket        string
	MaxUploadBytes       int64
	Policies             ledger.Policies
	RefundGuestOnFailure bool
	ClaimTTL             time.Duration
}

// Deps are the collaborators of the pipeline. Claims and Counter are
// optional; Watermarker may be nil to disable watermarking.
type Deps struct {
	Ledger      Ledger
	Provider    TaskProvider
	Store       ObjectStore
	Records     Records
	Watermarker Watermarker
	Fetcher     Fetcher
	Claims      Claims
	Counter     Counter
}

type Orchestrator struct {
	cfg       Config
	ledger    Ledger
	provider  TaskProvider
	store     ObjectStore
	counter   Counter
	finalizer *Finalizer
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Policies == (ledger.Policies{}) {
		cfg.Policies = ledger.DefaultPolicies
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	var c Counter = noopCounter{}
	if deps.Counter != nil {
		c = deps.Counter
	}
	return &Orchestrator{
		cfg:      cfg,
		ledger:   deps.Ledger,
		provider: deps.Provider,
		store:    deps.Store,
		counter:  c,
		finalizer: &Finalizer{
			ledger:        deps.Ledger,
			store:         deps.Store,
			records:       deps.Records,
			watermarker:   deps.Watermarker,
			fetcher:       deps.Fetcher,
			claims:        deps.Claims,
			counter:       c,
			policies:      cfg.Policies,
			resultsBucket: cfg.ResultsBucket,
			claimTTL:      cfg.ClaimTTL,
		},
	}
}

// Finalizer exposes the finalizer for callers that observe success
// through another channel.
func (o *Orchestrator) Finalizer() *Finalizer {
	return o.finalizer
}

// Submit validates the request, gates it on the ledger, uploads the source
// image and creates the provider task. Eager identities are charged before
// the upload; when a later step fails the returned result still carries the
// charged guest token together with the error.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	const op = "generation.Submit"

	if len(req.Image) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "No image provided")
	}
	contentType, err := upload.ValidateImage(req.Filename, req.Image, o.cfg.MaxUploadBytes)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "%s", err.Error())
	}
	if !imagegen.ValidMode(req.Mode) {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, imagegen.ErrUnknownMode, "unknown mode %q", req.Mode)
	}
	promptInput := imagegen.PromptInput{
		Mode:        req.Mode,
		Style:       req.Style,
		RoomType:    req.RoomType,
		Instruction: req.Instruction,
	}
	prompt, err := imagegen.BuildPrompt(promptInput)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "%s", err.Error())
	}
	if req.Identity.IsGuest() && req.ProjectID != nil {
		return nil, apperr.New(apperr.KindInvalidInput, op, "projects require an account")
	}

	balance, err := o.ledger.CheckBalance(ctx, req.Identity)
	if err != nil {
		return nil, err
	}
	if !balance.CanProceed {
		return nil, insufficient(op, req.Identity)
	}

	result := &SubmitResult{
		GuestToken: balance.GuestToken,
		Remaining:  balance.Remaining,
		ResetAt:    balance.ResetAt,
	}

	charged := false
	if o.cfg.Policies.For(req.Identity) == ledger.DebitEager {
		debit, err := o.ledger.ReserveAndDebit(ctx, req.Identity)
		if err != nil {
			return nil, err
		}
		if !debit.Success {
			return nil, insufficient(op, req.Identity)
		}
		charged = true
		result.Remaining = debit.NewBalance
		result.ResetAt = debit.ResetAt
		if debit.GuestToken != "" {
			result.GuestToken = debit.GuestToken
		}
	}

	key := storage.ObjectKey(ownerPrefix(req.Identity), req.Filename)
	originalURL, err := o.store.Put(ctx, o.cfg.UploadsBucket, key, req.Image, contentType)
	if err != nil {
		log.Errorf("[Generation] Upload of source image for %s failed: %v", req.Identity, err)
		o.refundSubmission(ctx, req.Identity, charged, result)
		return result, apperr.Wrap(apperr.KindUploadFailed, op, err)
	}

	taskID, err := o.provider.CreateTask(ctx, imagegen.TaskRequest{
		Prompt:    prompt,
		ImageURLs: []string{originalURL},
		// aspect ratio defaults to "auto" in the client
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		o.refundSubmission(ctx, req.Identity, charged, result)
		var classified *apperr.Error
		if !errors.As(err, &classified) {
			err = apperr.Wrap(apperr.KindProviderRejected, op, err)
		}
		return result, err
	}

	result.TaskID = taskID
	result.Metadata = Metadata{
		OriginalURL: originalURL,
		Mode:        req.Mode,
		Style:       imagegen.RecordedStyle(promptInput),
		RoomType:    roomTypeOf(req),
		ProjectID:   req.ProjectID,
	}
	if !req.Identity.IsGuest() {
		id := req.Identity.UserID
		result.Metadata.UserID = &id
	}
	o.counter.Inc(ctx, counter.EventSubmitted)
	log.Infof("[Generation] Submitted task %s for %s (mode %s)", taskID, req.Identity, req.Mode)
	return result, nil
}

// CheckStatus queries the provider once. A success runs the finalizer
// before returning; transport failures come back as StatusError rather
// than as an error.
func (o *Orchestrator) CheckStatus(ctx context.Context, req StatusRequest) (*StatusResult, error) {
	const op = "generation.CheckStatus"

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "taskId is required")
	}
	if err := checkOwner(op, req.Identity, req.Metadata); err != nil {
		return nil, err
	}

	record, err := o.provider.RecordInfo(ctx, taskID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindInvalidInput) {
			return nil, err
		}
		log.Warnf("[Generation] Status check of task %s failed: %v", taskID, err)
		return &StatusResult{Status: StatusError, Error: apperr.MessageOf(apperr.Wrap(apperr.KindPollTransport, op, err))}, nil
	}

	switch {
	case record.Failed():
		o.counter.Inc(ctx, counter.EventFailed)
		res := &StatusResult{Status: StatusFailed, Error: failMessage(record)}
		res.GuestToken = o.refundFailedTask(ctx, req.Identity, taskID)
		return res, nil
	case record.Succeeded():
		fin, err := o.finalizer.Finalize(ctx, FinalizeInput{
			Identity:    req.Identity,
			TaskID:      taskID,
			ProviderURL: record.ResultURL(),
			Metadata:    req.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return &StatusResult{
			Status:      StatusSuccess,
			URL:         fin.URL,
			Watermarked: fin.Watermarked,
			Duplicate:   fin.Duplicate,
			GuestToken:  fin.GuestToken,
		}, nil
	default:
		return &StatusResult{Status: StatusProcessing}, nil
	}
}

// refundFailedTask returns the credit of an eagerly charged guest once per
// task when refunds are enabled.
func (o *Orchestrator) refundFailedTask(ctx context.Context, id ledger.Identity, taskID string) string {
	if !o.cfg.RefundGuestOnFailure || !id.IsGuest() || o.cfg.Policies.For(id) != ledger.DebitEager {
		return ""
	}
	key := refundClaimPrefix + taskID
	if !o.finalizer.claim(ctx, key) {
		return ""
	}
	res, err := o.ledger.Refund(ctx, id)
	if err != nil {
		log.Errorf("[Generation] Refund for failed task %s failed: %v", taskID, err)
		o.finalizer.release(ctx, key)
		return ""
	}
	log.Infof("[Generation] Refunded guest credit for failed task %s", taskID)
	return res.GuestToken
}

// refundSubmission undoes an eager guest charge when the job never reached
// the provider.
func (o *Orchestrator) refundSubmission(ctx context.Context, id ledger.Identity, charged bool, result *SubmitResult) {
	if !charged || !o.cfg.RefundGuestOnFailure || !id.IsGuest() {
		return
	}
	refundID := ledger.Guest(result.GuestToken)
	res, err := o.ledger.Refund(ctx, refundID)
	if err != nil {
		log.Errorf("[Generation] Refund after failed submission failed: %v", err)
		return
	}
	result.GuestToken = res.GuestToken
	result.Remaining = res.New
}

// checkOwner rejects metadata that names a different user than the
// authenticated identity.
func checkOwner(op string, id ledger.Identity, meta Metadata) error {
	if meta.UserID == nil {
		return nil
	}
	if id.IsGuest() || *meta.UserID != id.UserID {
		return apperr.New(apperr.KindInvalidInput, op, "task belongs to a different account")
	}
	return nil
}

func insufficient(op string, id ledger.Identity) error {
	if id.IsGuest() {
		return apperr.New(apperr.KindInsufficientCredits, op, guestLimitMessage)
	}
	return apperr.New(apperr.KindInsufficientCredits, op, userNoCreditMessage)
}

func failMessage(record *imagegen.TaskRecord) string {
	if record.FailMessage != "" {
		return record.FailMessage
	}
	return "Generation failed"
}

func roomTypeOf(req SubmitRequest) string {
	if req.Mode != imagegen.ModeAddFurniture {
		return ""
	}
	if room := strings.TrimSpace(req.RoomType); room != "" {
		return room
	}
	return imagegen.DefaultRoomType
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
