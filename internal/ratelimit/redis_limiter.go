package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/confusedev/trafficgate/internal/observability"
)

// Ensure RedisLimiter implements Limiter.
var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter is a sliding window limiter over a Redis sorted set per
// client/route pair, giving consistent limits across gateway replicas.
// Members are scored by request time; pruning, recording, and counting run
// in one pipeline round trip.
//
// When Redis is unreachable the limiter fails open: the request is allowed
// and a warning is logged. Availability is preferred over strict limiting
// during an infrastructure failure.
type RedisLimiter struct {
	client redis.UniversalClient
	logger observability.Logger
}

// NewRedisLimiter creates a Redis-backed sliding window limiter.
func NewRedisLimiter(client redis.UniversalClient, logger observability.Logger) *RedisLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisLimiter{client: client, logger: logger}
}

// CheckAndRecord implements Limiter.
func (l *RedisLimiter) CheckAndRecord(ctx context.Context, clientID, routeKey string, limit int, window time.Duration) (*Result, error) {
	now := time.Now()
	key := windowKey(clientID, routeKey)
	windowStart := now.Add(-window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score: float64(now.UnixNano()),
		// Member must be unique per request; two requests can share a
		// nanosecond under load.
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString(),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit backend unavailable, failing open",
			observability.String("route", routeKey),
			observability.Error(err),
		)
		RecordBackendError()
		return &Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: remaining(limit, 1),
			ResetAt:   now.Add(window).Unix(),
		}, nil
	}

	count := int(card.Val())
	allowed := count <= limit
	RecordDecision(routeKey, allowed)

	return &Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining(limit, count),
		ResetAt:   now.Add(window).Unix(),
	}, nil
}
