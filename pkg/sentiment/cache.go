package sentiment

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("sentiment cache miss")

// Cache stores encoded reports between refreshes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// TTLReader is implemented by caches that can report how long an entry has
// left. A zero duration means the entry never expires.
type TTLReader interface {
	TTL(ctx context.Context, key string) (time.Duration, error)
}
