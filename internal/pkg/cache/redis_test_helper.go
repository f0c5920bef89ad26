package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/KogFlow/internal/pkg/env"
)

const isolatedTestRedisDB = 14

// TestClient connects to a reachable redis on an isolated DB and flushes it,
// or skips the test when none is available.
func TestClient(t *testing.T) *redis.Client {
	t.Helper()

	hosts := []string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	for _, host := range hosts {
		if host == "" {
			continue
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     host + ":" + port,
			Password: password,
			DB:       isolatedTestRedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			continue
		}
		if err := rdb.FlushDB(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			t.Fatalf("flush test redis: %v", err)
		}
		t.Cleanup(func() {
			_ = rdb.FlushDB(context.Background()).Err()
			_ = rdb.Close()
		})
		return rdb
	}
	t.Skip("redis not available")
	return nil
}
