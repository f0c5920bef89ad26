package videogen

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter paces submissions to the provider.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter allows one submission per interval within this process.
type LocalLimiter struct {
	limiter *rate.Limiter
}

func NewLocalLimiter(interval time.Duration) *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

const minRedisBackoff = 50 * time.Millisecond

// RedisLimiter allows one submission per interval across all instances
// sharing the redis key.
type RedisLimiter struct {
	rdb      *redis.Client
	key      string
	interval time.Duration
}

func NewRedisLimiter(rdb *redis.Client, key string, interval time.Duration) *RedisLimiter {
	if key == "" {
		key = "videogen:ratelimit"
	}
	return &RedisLimiter{rdb: rdb, key: key, interval: interval}
}

func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		ok, err := l.rdb.SetNX(ctx, l.key, 1, l.interval).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		wait, err := l.rdb.PTTL(ctx, l.key).Result()
		if err != nil {
			return err
		}
		if wait < minRedisBackoff {
			wait = minRedisBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
