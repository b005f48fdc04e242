// Package ratelimit enforces per-client, per-route request limits using a
// sliding window over recorded request timestamps. Two interchangeable
// backends are provided: in-memory for single-instance deployments and
// Redis-backed for consistent limits across replicas.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is the rate limiting contract consumed by the middleware.
type Limiter interface {
	// CheckAndRecord records a request for the client/route pair and reports
	// whether it fits within the limit for the given window. The request is
	// recorded even when rejected, so a sustained breach remains visible
	// into the following window.
	CheckAndRecord(ctx context.Context, clientID, routeKey string, limit int, window time.Duration) (*Result, error)
}

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is the epoch second at which the current window expires.
	ResetAt int64
}

// NoopLimiter admits every request without recording anything.
type NoopLimiter struct{}

// CheckAndRecord implements Limiter.
func (NoopLimiter) CheckAndRecord(_ context.Context, _, _ string, limit int, window time.Duration) (*Result, error) {
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().Add(window).Unix(),
	}, nil
}
