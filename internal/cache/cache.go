// Package cache holds hot foundational entities behind a small TTL
// contract. The in-memory implementation is the default; a Redis-backed
// one provides cross-process visibility with the same contract.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is applied when SetWithTTL receives a zero duration.
const DefaultTTL = time.Hour

// Cache is the get/set/delete contract shared by both implementations.
// Values are serialized entities; callers own (de)serialization.
type Cache interface {
	// Get returns the cached value, or (nil, false, nil) on miss/expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetWithTTL stores the value for ttl (DefaultTTL when zero).
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Refresh replaces the full cache contents in one pass.
	Refresh(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	Close() error
}
