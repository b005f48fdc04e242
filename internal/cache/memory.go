package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/confusedev/trafficgate/internal/clock"
	"github.com/confusedev/trafficgate/internal/observability"
)

// tracerName is the OpenTelemetry tracer name for cache operations.
const tracerName = "trafficgate/cache"

// MemoryCache is an in-memory response cache over sync.Map with atomic
// hit/miss/size counters, so concurrent requests never contend on a
// store-wide lock. A background sweep removes expired entries on a fixed
// interval regardless of traffic.
//
// Eviction is intentionally approximate rather than strict LRU: when the
// store is full, a batch of entries is removed, expired ones first and then
// the oldest remaining by write time.
type MemoryCache struct {
	entries sync.Map // key -> *Entry
	logger  observability.Logger
	clk     clock.Clock

	maxEntries int
	batchSize  int

	hits   atomic.Int64
	misses atomic.Int64
	size   atomic.Int64

	sweepInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryClock sets the time source. Intended for tests.
func WithMemoryClock(clk clock.Clock) MemoryOption {
	return func(c *MemoryCache) {
		c.clk = clk
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(c *MemoryCache) {
		c.logger = logger
	}
}

// WithSweepInterval sets the background sweep interval. A non-positive
// interval disables the sweeper.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		c.sweepInterval = d
	}
}

// NewMemoryCache creates an in-memory cache holding at most maxEntries.
func NewMemoryCache(maxEntries int, opts ...MemoryOption) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	batch := maxEntries / 10
	if batch < 1 {
		batch = 1
	}

	c := &MemoryCache{
		logger:        observability.NopLogger(),
		clk:           clock.Real(),
		maxEntries:    maxEntries,
		batchSize:     batch,
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.sweepInterval > 0 {
		go c.sweepLoop()
	}

	c.logger.Info("memory cache initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Duration("sweepInterval", c.sweepInterval),
	)
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.backend", "memory")),
	)
	defer span.End()

	value, ok := c.entries.Load(key)
	if !ok {
		c.misses.Add(1)
		RecordMiss("memory")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	entry := value.(*Entry)
	if entry.IsExpired(c.clk.Now()) {
		if c.entries.CompareAndDelete(key, value) {
			c.size.Add(-1)
		}
		c.misses.Add(1)
		RecordMiss("memory")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.hits.Add(1)
	RecordHit("memory")
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return entry, nil
}

// Set implements Cache. When the store is at capacity an eviction batch
// frees headroom before the insert, so size never exceeds maxEntries.
func (c *MemoryCache) Set(ctx context.Context, key string, payload []byte, status int, contentType string, ttl time.Duration) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.Int("cache.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	now := c.clk.Now()

	if c.size.Load() >= int64(c.maxEntries) {
		c.evictBatch(now)
	}

	entry := &Entry{
		Payload:     payload,
		Status:      status,
		ContentType: contentType,
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	if _, loaded := c.entries.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
	RecordSize("memory", c.size.Load())
	return nil
}

// evictBatch removes up to batchSize entries: expired first, then oldest by
// write time.
func (c *MemoryCache) evictBatch(now time.Time) {
	type candidate struct {
		key      string
		value    any
		storedAt time.Time
	}

	removed := 0
	var survivors []candidate

	c.entries.Range(func(key, value any) bool {
		entry := value.(*Entry)
		if entry.IsExpired(now) {
			if c.entries.CompareAndDelete(key, value) {
				c.size.Add(-1)
				removed++
			}
			return removed < c.batchSize
		}
		survivors = append(survivors, candidate{key.(string), value, entry.StoredAt})
		return true
	})

	if removed >= c.batchSize {
		RecordEvictions("memory", removed)
		return
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].storedAt.Before(survivors[j].storedAt)
	})
	for _, cand := range survivors {
		if removed >= c.batchSize {
			break
		}
		if c.entries.CompareAndDelete(cand.key, cand.value) {
			c.size.Add(-1)
			removed++
		}
	}
	RecordEvictions("memory", removed)
}

// InvalidatePrefix implements Cache.
func (c *MemoryCache) InvalidatePrefix(_ context.Context, prefix string) error {
	c.entries.Range(func(key, value any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			if c.entries.CompareAndDelete(key, value) {
				c.size.Add(-1)
			}
		}
		return true
	})
	RecordSize("memory", c.size.Load())
	return nil
}

// Stats implements Cache.
func (c *MemoryCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.size.Load(),
	}
}

// sweepLoop proactively removes expired entries so memory stays bounded
// even under low traffic.
func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep removes every expired entry. It tolerates concurrent mutation;
// CompareAndDelete skips entries replaced mid-scan.
func (c *MemoryCache) sweep() {
	now := c.clk.Now()
	removed := 0

	c.entries.Range(func(key, value any) bool {
		if value.(*Entry).IsExpired(now) {
			if c.entries.CompareAndDelete(key, value) {
				c.size.Add(-1)
				removed++
			}
		}
		return true
	})

	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries",
			observability.Int("removed", removed),
			observability.Int64("size", c.size.Load()),
		)
	}
	RecordSize("memory", c.size.Load())
}

// Close stops the background sweeper.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	return nil
}
