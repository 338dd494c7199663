// Package cache defines the port interface for caching derived aggregates.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Implementations may be
// in-process (L1), remote (L2), or a tiered combination of both.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
