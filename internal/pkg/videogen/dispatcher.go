package videogen

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/metrics/counter"
)

const DefaultMaxBatch = 20

type ClipSubmitter interface {
	Submit(ctx context.Context, req ClipRequest) (string, error)
}

type Counter interface {
	Add(ctx context.Context, event string, n int64)
}

type BatchRequest struct {
	ImageURLs   []string
	Title       string
	AspectRatio string
}

// ItemResult is the outcome of one image. Exactly one of TaskID and Error
// is set.
type ItemResult struct {
	ImageURL string `json:"imageUrl"`
	TaskID   string `json:"taskId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type BatchResult struct {
	Success    bool         `json:"success"`
	TaskIDs    []string     `json:"taskIds"`
	Results    []ItemResult `json:"results"`
	ErrorCount int          `json:"errorCount"`
	Message    string       `json:"message"`
}

// Dispatcher submits the images of a batch one after another, paced by the
// rate limiter.
type Dispatcher struct {
	submitter ClipSubmitter
	limiter   RateLimiter
	counter   Counter
	maxBatch  int
}

func NewDispatcher(submitter ClipSubmitter, limiter RateLimiter, c Counter, maxBatch int) *Dispatcher {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Dispatcher{submitter: submitter, limiter: limiter, counter: c, maxBatch: maxBatch}
}

// Dispatch records a per-image outcome and keeps going after a failed
// image. A provider rate limit aborts the rest of the batch: the partial
// result is returned together with a KindProviderRateLimited error.
func (d *Dispatcher) Dispatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	const op = "videogen.Dispatch"

	urls := make([]string, 0, len(req.ImageURLs))
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "No images provided")
	}
	if len(urls) > d.maxBatch {
		return nil, apperr.New(apperr.KindInvalidInput, op, fmt.Sprintf("A batch takes at most %d images", d.maxBatch))
	}

	result := &BatchResult{TaskIDs: []string{}, Results: make([]ItemResult, 0, len(urls))}
	defer func() {
		if d.counter != nil && len(result.TaskIDs) > 0 {
			d.counter.Add(ctx, counter.EventClipsDispatched, int64(len(result.TaskIDs)))
		}
	}()

	for i, imageURL := range urls {
		if err := d.limiter.Wait(ctx); err != nil {
			result.finish()
			return result, apperr.Wrap(apperr.KindInternal, op, err)
		}
		log.Infof("[Dispatcher] Processing image %d/%d of %q", i+1, len(urls), req.Title)

		taskID, err := d.submitter.Submit(ctx, ClipRequest{ImageURL: imageURL, AspectRatio: req.AspectRatio})
		if err != nil {
			if apperr.IsKind(err, apperr.KindProviderRateLimited) {
				log.Warnf("[Dispatcher] Rate limited after %d of %d images, aborting batch", i, len(urls))
				result.finish()
				return result, err
			}
			msg := apperr.MessageOf(err)
			log.Errorf("[Dispatcher] Image %s failed: %v", imageURL, err)
			result.Results = append(result.Results, ItemResult{ImageURL: imageURL, Error: msg})
			result.ErrorCount++
			continue
		}
		result.Results = append(result.Results, ItemResult{ImageURL: imageURL, TaskID: taskID})
		result.TaskIDs = append(result.TaskIDs, taskID)
	}

	result.finish()
	return result, nil
}

func (r *BatchResult) finish() {
	r.Success = r.ErrorCount == 0
	if r.ErrorCount > 0 {
		r.Message = fmt.Sprintf("Completed with %d errors.", r.ErrorCount)
	} else {
		r.Message = "Batch started successfully"
	}
}
