package cache

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
)

// SetupCache initializes the connection to the Redis/Dragonfly cache server.
// An unreachable server is logged, not fatal: claims and counters degrade
// until it comes back.
func SetupCache(cfg config.CacheConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       0,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to cache: %s", pong)
	}
	return client
}
