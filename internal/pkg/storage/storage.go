// Package storage puts generated artifacts into object storage and returns the
// public URL callers hand out. Two drivers exist: S3-compatible buckets and a
// local directory served by the API for development.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
)

// Store is the object storage used by the pipelines.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	Check(ctx context.Context) error
}

// New builds the store selected by STORAGE_DRIVER.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "local", "":
		return NewLocalStore(cfg.LocalRoot, cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func publicURL(base, bucket, key string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + strings.TrimLeft(key, "/")
}

// KeyFromURL recovers the object key of a URL produced by this store, or ""
// when the URL belongs to a different bucket or host.
func KeyFromURL(base, bucket, url string) string {
	prefix := strings.TrimRight(base, "/") + "/" + bucket + "/"
	if !strings.HasPrefix(url, prefix) {
		return ""
	}
	return strings.TrimPrefix(url, prefix)
}
