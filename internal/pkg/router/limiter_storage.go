package router

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"
)

// limiterDatabase keeps limiter keys apart from the cache (DB 0).
const limiterDatabase = 1

// NewLimiterStorage builds the shared request limiter storage on the same
// server as the cache client.
func NewLimiterStorage(client *goredis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := ""
	if client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		password = client.Options().Password
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
