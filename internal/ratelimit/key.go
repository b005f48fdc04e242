package ratelimit

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Bucket names group routes that share a limit.
const (
	BucketDefault = "default"
	BucketSearch  = "search"
	BucketSources = "sources"
	BucketSync    = "sync"
)

// Buckets holds the per-bucket limits and the shared window length.
type Buckets struct {
	DefaultLimit int
	SearchLimit  int
	SourcesLimit int
	SyncLimit    int
	Window       time.Duration
}

// DefaultBuckets returns the default bucket limits.
func DefaultBuckets() Buckets {
	return Buckets{
		DefaultLimit: 100,
		SearchLimit:  30,
		SourcesLimit: 60,
		SyncLimit:    10,
		Window:       time.Minute,
	}
}

// ForPath maps a request path to its bucket name and limit. Matching is by
// path substring; unmatched paths fall into the default bucket.
func (b Buckets) ForPath(path string) (string, int) {
	switch {
	case strings.Contains(path, "/search"):
		return BucketSearch, b.SearchLimit
	case strings.Contains(path, "/sources"):
		return BucketSources, b.SourcesLimit
	case strings.Contains(path, "/sync"):
		return BucketSync, b.SyncLimit
	default:
		return BucketDefault, b.DefaultLimit
	}
}

// BucketPolicy is a hot-swappable view of the route buckets. Requests read
// a consistent snapshot; a config reload swaps the whole set at once.
type BucketPolicy struct {
	current atomic.Pointer[Buckets]
}

// NewBucketPolicy creates a policy serving the given buckets.
func NewBucketPolicy(b Buckets) *BucketPolicy {
	p := &BucketPolicy{}
	p.Update(b)
	return p
}

// Current returns the bucket snapshot in effect.
func (p *BucketPolicy) Current() Buckets {
	return *p.current.Load()
}

// Update replaces the bucket set. In-flight requests keep the snapshot they
// already loaded.
func (p *BucketPolicy) Update(b Buckets) {
	p.current.Store(&b)
}

// ClientID derives the limiter identity for a request. An authenticated
// subject takes precedence over any network-derived identity; otherwise the
// first hop of X-Forwarded-For is used, then X-Real-IP, then "unknown".
func ClientID(subject string, r *http.Request) string {
	if subject != "" {
		return "user:" + subject
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return "unknown"
}

// windowKey builds the storage key for a client/route pair.
func windowKey(clientID, routeKey string) string {
	return "ratelimit:" + clientID + ":" + routeKey
}
