package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/observability"
)

// Flood guard default configuration constants.
const (
	// DefaultClientTTL is how long an idle client keeps its limiter.
	DefaultClientTTL = 10 * time.Minute

	// MaxCleanupInterval bounds the background cleanup period.
	MaxCleanupInterval = time.Minute
)

// clientEntry holds a limiter and its last access time for TTL cleanup.
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// FloodGuard caps per-client request rate with a token bucket ahead of the
// sliding window limiter, shedding bursts before they reach the backend
// store.
type FloodGuard struct {
	clients   map[string]*clientEntry
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	logger    observability.Logger
	clientTTL time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// FloodGuardOption is a functional option for configuring the guard.
type FloodGuardOption func(*FloodGuard)

// WithFloodGuardLogger sets the logger for the guard.
func WithFloodGuardLogger(logger observability.Logger) FloodGuardOption {
	return func(g *FloodGuard) {
		g.logger = logger
	}
}

// WithClientTTL sets the idle TTL for per-client limiters.
func WithClientTTL(ttl time.Duration) FloodGuardOption {
	return func(g *FloodGuard) {
		g.clientTTL = ttl
	}
}

// NewFloodGuard creates a per-client token bucket guard.
func NewFloodGuard(rps float64, burst int, opts ...FloodGuardOption) *FloodGuard {
	g := &FloodGuard{
		clients:   make(map[string]*clientEntry),
		rps:       rate.Limit(rps),
		burst:     burst,
		logger:    observability.NopLogger(),
		clientTTL: DefaultClientTTL,
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Allow reports whether the client may proceed.
func (g *FloodGuard) Allow(clientID string) bool {
	now := time.Now()

	g.mu.Lock()
	entry, exists := g.clients[clientID]
	if !exists {
		entry = &clientEntry{
			limiter:    rate.NewLimiter(g.rps, g.burst),
			lastAccess: now,
		}
		g.clients[clientID] = entry
	} else {
		entry.lastAccess = now
	}
	limiter := entry.limiter
	g.mu.Unlock()

	return limiter.Allow()
}

// CleanupIdleClients removes limiters not used within maxAge.
func (g *FloodGuard) CleanupIdleClients(maxAge time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	removed := 0
	for clientID, entry := range g.clients {
		if now.Sub(entry.lastAccess) > maxAge {
			delete(g.clients, clientID)
			removed++
		}
	}

	if removed > 0 {
		g.logger.Debug("cleaned up idle flood guard entries",
			observability.Int("removed", removed),
			observability.Int("remaining", len(g.clients)),
		)
	}
}

// StartCleanup begins periodic idle-client cleanup. Stop ends it.
func (g *FloodGuard) StartCleanup() {
	interval := g.clientTTL / 2
	if interval > MaxCleanupInterval {
		interval = MaxCleanupInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.CleanupIdleClients(g.clientTTL)
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop halts background cleanup.
func (g *FloodGuard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
}

// Guard returns a middleware enforcing the flood guard. A nil guard is a
// pass-through.
func Guard(g *FloodGuard, extractor *ClientIPExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if g == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := stripPort(r.RemoteAddr)
			if extractor != nil {
				clientID = extractor.Extract(r)
			}

			if !g.Allow(clientID) {
				g.logger.Warn("flood guard rejected request",
					observability.String("client_ip", clientID),
					observability.String("path", r.URL.Path),
				)
				w.Header().Set(HeaderRetryAfter, "1")
				apierror.WriteJSON(w, apierror.RateLimited())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
