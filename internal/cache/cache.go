// Package cache provides the enrichment response cache with in-memory
// and Redis backends.
package cache

import (
	"context"
	"time"
)

// Cache stores raw response payloads keyed by entity. A stored nil value
// is a negative entry and is returned as found with a nil payload.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}
