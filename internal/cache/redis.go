package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/confusedev/trafficgate/internal/observability"
)

// RedisCache is a response cache over Redis, for deployments where replicas
// share one cache. Expiry is delegated to Redis TTLs, so there is no local
// sweep; InvalidatePrefix walks matching keys with SCAN.
type RedisCache struct {
	client redis.UniversalClient
	logger observability.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// redisEntry is the stored JSON shape.
type redisEntry struct {
	Payload     []byte    `json:"payload"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewRedisCache creates a Redis-backed response cache.
func NewRedisCache(client redis.UniversalClient, logger observability.Logger) *RedisCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisCache{client: client, logger: logger}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.backend", "redis")),
	)
	defer span.End()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache backend read failed, treating as miss",
				observability.Error(err),
			)
		}
		c.misses.Add(1)
		RecordMiss("redis")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		c.misses.Add(1)
		RecordMiss("redis")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.hits.Add(1)
	RecordHit("redis")
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &Entry{
		Payload:     stored.Payload,
		Status:      stored.Status,
		ContentType: stored.ContentType,
		StoredAt:    stored.StoredAt,
		ExpiresAt:   stored.ExpiresAt,
	}, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, payload []byte, status int, contentType string, ttl time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.Int("cache.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	now := time.Now()
	raw, err := json.Marshal(redisEntry{
		Payload:     payload,
		Status:      status,
		ContentType: contentType,
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		// A failed write is a lost optimization, not a request failure.
		c.logger.Warn("cache backend write failed",
			observability.Error(err),
		)
	}
	return nil
}

// InvalidatePrefix implements Cache.
func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

// Stats implements Cache. Size is the backend's total key count, best
// effort.
func (c *RedisCache) Stats() Stats {
	size, err := c.client.DBSize(context.Background()).Result()
	if err != nil {
		size = 0
	}
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
