// Package cache stores recent successful responses keyed by request
// identity, short-circuiting repeated downstream calls. Entries carry a TTL
// chosen per path; capacity is bounded with batch eviction.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found or has expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// Entry is a cached response.
type Entry struct {
	// Payload is the response body.
	Payload []byte

	// Status is the HTTP status code of the cached response.
	Status int

	// ContentType is the response content type.
	ContentType string

	// StoredAt is when the entry was written.
	StoredAt time.Time

	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time
}

// IsExpired reports whether the entry has expired at the given instant.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache is the response cache contract.
type Cache interface {
	// Get retrieves an entry. Returns ErrCacheMiss if the key is absent or
	// the entry has expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores a response under the key with the given TTL.
	Set(ctx context.Context, key string, payload []byte, status int, contentType string, ttl time.Duration) error

	// InvalidatePrefix removes every entry whose key starts with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) error

	// Stats returns hit/miss/size counters.
	Stats() Stats

	// Close releases backend resources and stops background work.
	Close() error
}

// Stats contains cache counters.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// disabledCache misses on every read and drops every write.
type disabledCache struct{}

// NewDisabled returns a cache that stores nothing.
func NewDisabled() Cache {
	return disabledCache{}
}

func (disabledCache) Get(context.Context, string) (*Entry, error) {
	return nil, ErrCacheMiss
}

func (disabledCache) Set(context.Context, string, []byte, int, string, time.Duration) error {
	return nil
}

func (disabledCache) InvalidatePrefix(context.Context, string) error { return nil }
func (disabledCache) Stats() Stats                                   { return Stats{} }
func (disabledCache) Close() error                                   { return nil }
