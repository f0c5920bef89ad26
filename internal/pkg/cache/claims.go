package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims hands out one-time claims on keys. The first caller of Claim for
// a key wins until the TTL expires.
type Claims struct {
	rdb    *redis.Client
	prefix string
}

func NewClaims(rdb *redis.Client, prefix string) *Claims {
	return &Claims{rdb: rdb, prefix: prefix}
}

func (c *Claims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release drops a claim so a later caller can take it again.
func (c *Claims) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}
