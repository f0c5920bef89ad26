package generation

import (
	"context"
	"errors"
	"time"
)

var ErrWatchTimeout = errors.New("generation did not finish in time")

type WatchOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// Sleep waits between checks; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnCheck is called after every status check.
	OnCheck func(attempt int, res *StatusResult)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Watch polls checker until the task reaches a terminal state. StatusError
// results are retried. The timeout bounds the number of checks by
// Timeout/Interval so an injected Sleep keeps the same budget.
func Watch(ctx context.Context, checker StatusChecker, req StatusRequest, opts WatchOptions) (*StatusResult, error) {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	maxAttempts := int(opts.Timeout / opts.Interval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *StatusResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := checker.CheckStatus(ctx, req)
		if err != nil {
			return nil, err
		}
		last = res
		if opts.OnCheck != nil {
			opts.OnCheck(attempt, res)
		}
		if res.Status.Terminal() {
			return res, nil
		}
		if res.GuestToken != "" {
			req.Identity.GuestToken = res.GuestToken
		}
		if attempt == maxAttempts {
			break
		}
		if err := opts.Sleep(ctx, opts.Interval); err != nil {
			return last, err
		}
	}
	return last, ErrWatchTimeout
}
