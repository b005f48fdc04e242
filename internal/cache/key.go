package cache

import (
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// BuildKey composes the cache key from the request method, path, normalized
// query string, and caller subject. Unauthenticated callers share the "anon"
// segment. Query parameters are sorted so parameter order does not fragment
// the cache.
func BuildKey(method, path, rawQuery, subject string) string {
	query := normalizeQuery(rawQuery)
	if subject == "" {
		subject = "anon"
	}

	var b strings.Builder
	b.Grow(len("cache:") + len(method) + len(path) + len(query) + len(subject) + 3)
	b.WriteString("cache:")
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(query)
	b.WriteByte(':')
	b.WriteString(subject)
	return b.String()
}

// normalizeQuery re-encodes the query with sorted keys. A query that fails
// to parse is used verbatim.
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	return values.Encode()
}

// TTLPolicy selects the TTL for a response by request path.
type TTLPolicy struct {
	// Default applies when no other rule matches.
	Default time.Duration

	// Auth applies to authentication/verification paths, which change
	// rarely and are worth caching longer.
	Auth time.Duration

	// Search applies to search paths, where freshness wins over reuse.
	Search time.Duration
}

// DefaultTTLPolicy returns the default TTL policy.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default: 60 * time.Second,
		Auth:    5 * time.Minute,
		Search:  30 * time.Second,
	}
}

// ForPath returns the TTL for a request path.
func (p TTLPolicy) ForPath(path string) time.Duration {
	switch {
	case strings.Contains(path, "/verify"), strings.Contains(path, "/auth"):
		return p.Auth
	case strings.Contains(path, "/search"):
		return p.Search
	default:
		return p.Default
	}
}

// TTLPolicySource is a hot-swappable TTL policy, so a config reload can
// change TTLs without rebuilding the middleware chain.
type TTLPolicySource struct {
	current atomic.Pointer[TTLPolicy]
}

// NewTTLPolicySource creates a source serving the given policy.
func NewTTLPolicySource(p TTLPolicy) *TTLPolicySource {
	s := &TTLPolicySource{}
	s.Update(p)
	return s
}

// Current returns the policy in effect.
func (s *TTLPolicySource) Current() TTLPolicy {
	return *s.current.Load()
}

// Update replaces the policy.
func (s *TTLPolicySource) Update(p TTLPolicy) {
	s.current.Store(&p)
}

// ForPath returns the TTL for a request path under the current policy.
func (s *TTLPolicySource) ForPath(path string) time.Duration {
	return s.Current().ForPath(path)
}
