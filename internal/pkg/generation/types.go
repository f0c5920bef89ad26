// Package generation runs the image job lifecycle: submission gated by the
// credit ledger, caller-driven status checks and one-time finalization of a
// successful task (watermark, re-host, debit, history record).
package generation

import (
	"context"
	"time"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/entitlements"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imagegen"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	// StatusError is a retryable transport or parse failure of a status check.
	StatusError Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Ledger is the subset of the credit ledger the pipeline uses.
type Ledger interface {
	CheckBalance(ctx context.Context, id ledger.Identity) (ledger.Balance, error)
	ReserveAndDebit(ctx context.Context, id ledger.Identity) (ledger.DebitResult, error)
	Refund(ctx context.Context, id ledger.Identity) (ledger.CreditResult, error)
	TierOf(ctx context.Context, id ledger.Identity) (entitlements.Tier, error)
}

// TaskProvider submits and queries image jobs.
type TaskProvider interface {
	CreateTask(ctx context.Context, req imagegen.TaskRequest) (string, error)
	RecordInfo(ctx context.Context, taskID string) (*imagegen.TaskRecord, error)
}

type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Records persists generation history. CreateIfAbsent is keyed by the
// provider task id and reports whether the call created the row.
type Records interface {
	CreateIfAbsent(ctx context.Context, generation *models.Generation) (bool, *models.Generation, error)
	FindExisting(ctx context.Context, taskID, providerResultURL string) (*models.Generation, error)
}

type Watermarker interface {
	Apply(data []byte) ([]byte, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Claims grants a key to the first caller until the TTL expires.
type Claims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Counter interface {
	Inc(ctx context.Context, event string)
}

type noopCounter struct{}

func (noopCounter) Inc(context.Context, string) {}

// Metadata is handed to the caller on submission and passed back unchanged
// with every status check; the server keeps no job state in between.
type Metadata struct {
	UserID      *uint   `json:"userId,omitempty"`
	OriginalURL string  `json:"originalUrl"`
	Mode        string  `json:"mode"`
	Style       *string `json:"style,omitempty"`
	RoomType    string  `json:"roomType,omitempty"`
	ProjectID   *uint   `json:"projectId,omitempty"`
}

type SubmitRequest struct {
	Identity    ledger.Identity
	Image       []byte
	Filename    string
	Mode        string
	Style       string
	RoomType    string
	Instruction string
	AspectRatio string
	ProjectID   *uint
}

type SubmitResult struct {
	TaskID   string
	Metadata Metadata
	// GuestToken replaces the caller's guest token when non-empty. It is
	// also set on failed submissions that already charged the guest.
	GuestToken string
	Remaining  int
	ResetAt    time.Time
}

type StatusRequest struct {
	Identity ledger.Identity
	TaskID   string
	Metadata Metadata
}

type StatusResult struct {
	Status      Status
	URL         string
	Error       string
	Watermarked bool
	// Duplicate is set when an earlier status check already finalized the task.
	Duplicate  bool
	GuestToken string
}

// StatusChecker is what the watch loop drives. A callback-driven
// implementation can replace polling behind the same interface.
type StatusChecker interface {
	CheckStatus(ctx context.Context, req StatusRequest) (*StatusResult, error)
}
