package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/confusedev/trafficgate/internal/clock"
	"github.com/confusedev/trafficgate/internal/observability"
)

// window holds the recorded request timestamps for one client/route pair.
// Each window has its own mutex so unrelated clients never contend.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// MemoryLimiter is an in-memory sliding window limiter. Windows are created
// lazily per key and swept periodically so that idle clients do not
// accumulate unbounded state.
type MemoryLimiter struct {
	windows sync.Map // windowKey -> *window
	clk     clock.Clock
	logger  observability.Logger

	sweepInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMemoryClock sets the time source. Intended for tests.
func WithMemoryClock(clk clock.Clock) MemoryOption {
	return func(l *MemoryLimiter) {
		l.clk = clk
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(l *MemoryLimiter) {
		l.logger = logger
	}
}

// WithSweepInterval sets how often fully stale windows are removed.
// A non-positive interval disables the sweeper.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(l *MemoryLimiter) {
		l.sweepInterval = d
	}
}

// NewMemoryLimiter creates an in-memory sliding window limiter.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		clk:           clock.Real(),
		logger:        observability.NopLogger(),
		sweepInterval: 5 * time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.sweepInterval > 0 {
		go l.sweepLoop()
	}
	return l
}

// CheckAndRecord implements Limiter.
func (l *MemoryLimiter) CheckAndRecord(_ context.Context, clientID, routeKey string, limit int, windowDur time.Duration) (*Result, error) {
	now := l.clk.Now()
	key := windowKey(clientID, routeKey)

	value, _ := l.windows.LoadOrStore(key, &window{})
	w := value.(*window)

	w.mu.Lock()
	windowStart := now.Add(-windowDur)
	kept := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	// The current request is recorded regardless of the outcome.
	w.stamps = append(kept, now)
	count := len(w.stamps)
	w.mu.Unlock()

	allowed := count <= limit
	RecordDecision(routeKey, allowed)

	return &Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining(limit, count),
		ResetAt:   now.Add(windowDur).Unix(),
	}, nil
}

func remaining(limit, count int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

// sweepLoop periodically drops windows whose every timestamp is older than
// the sweep interval.
func (l *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(l.sweepInterval)
		case <-l.stopCh:
			return
		}
	}
}

// sweep removes windows with no timestamp newer than maxAge.
func (l *MemoryLimiter) sweep(maxAge time.Duration) {
	cutoff := l.clk.Now().Add(-maxAge)

	l.windows.Range(func(key, value any) bool {
		w := value.(*window)

		w.mu.Lock()
		stale := true
		for _, t := range w.stamps {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		w.mu.Unlock()

		if stale {
			l.windows.Delete(key)
		}
		return true
	})
}

// Close stops the background sweeper.
func (l *MemoryLimiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}
