// Package counter keeps daily usage counters in a Redis hash per day.
package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	EventSubmitted       = "generations_submitted"
	EventCompleted       = "generations_completed"
	EventFailed          = "generations_failed"
	EventClipsDispatched = "clips_dispatched"
	EventVideosStitched  = "videos_stitched"
)

// Events lists every counter in report order.
var Events = []string{EventSubmitted, EventCompleted, EventFailed, EventClipsDispatched, EventVideosStitched}

const (
	dailyKeyFormat = "usage:counters:%s" // usage:counters:<YYYY-MM-DD>
	dateLayout     = "2006-01-02"
	retention      = 90 * 24 * time.Hour
)

type Counters struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Counters {
	return &Counters{rdb: rdb, now: time.Now}
}

func dailyKey(day time.Time) string {
	return fmt.Sprintf(dailyKeyFormat, day.UTC().Format(dateLayout))
}

// Add increments the counter of today. Failures are logged, never returned:
// a counter must not break the request that triggered it.
func (c *Counters) Add(ctx context.Context, event string, n int64) {
	if c == nil || c.rdb == nil || n == 0 {
		return
	}
	key := dailyKey(c.now())
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, event, n)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[Counter] Failed to increment %s: %v", event, err)
	}
}

func (c *Counters) Inc(ctx context.Context, event string) {
	c.Add(ctx, event, 1)
}

// Day returns the counters of the given day (YYYY-MM-DD). Missing events are 0.
func (c *Counters) Day(ctx context.Context, date string) (map[string]int64, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	data, err := c.rdb.HGetAll(ctx, dailyKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(Events))
	for _, e := range Events {
		out[e] = 0
	}
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Today returns today's date in the layout Day expects.
func (c *Counters) Today() string {
	return c.now().UTC().Format(dateLayout)
}
