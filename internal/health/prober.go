package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/confusedev/trafficgate/internal/circuitbreaker"
	"github.com/confusedev/trafficgate/internal/observability"
)

// Target is a downstream service to probe.
type Target struct {
	// Name is the service name used in readiness output.
	Name string

	// URL is the service health endpoint.
	URL string
}

// Prober periodically probes downstream health endpoints and keeps the last
// result per service for readiness reporting.
type Prober struct {
	targets  []Target
	client   *http.Client
	interval time.Duration
	logger   observability.Logger

	mu      sync.RWMutex
	results map[string]Check

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ProberOption is a functional option for configuring the prober.
type ProberOption func(*Prober)

// WithProbeInterval sets the probe period.
func WithProbeInterval(interval time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = interval
	}
}

// WithProbeTimeout bounds each probe request.
func WithProbeTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		p.client.Timeout = timeout
	}
}

// WithProberLogger sets the logger.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a downstream prober. Until the first probe completes,
// every target reports degraded.
func NewProber(targets []Target, opts ...ProberOption) *Prober {
	p := &Prober{
		targets:  targets,
		client:   &http.Client{Timeout: 3 * time.Second},
		interval: 15 * time.Second,
		logger:   observability.NopLogger(),
		results:  make(map[string]Check, len(targets)),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	for _, target := range targets {
		p.results[target.Name] = Check{Status: StatusDegraded, Message: "not probed yet"}
	}

	return p
}

// Start probes all targets once, then keeps probing on the interval until
// Stop or context cancellation.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		p.probeAll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.probeAll(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Snapshot returns the latest result per service.
func (p *Prober) Snapshot() map[string]Check {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Check, len(p.results))
	for name, check := range p.results {
		out[name] = check
	}
	return out
}

// RegisterWith adds one readiness check per target to the checker.
func (p *Prober) RegisterWith(checker *Checker) {
	for _, target := range p.targets {
		name := target.Name
		checker.RegisterCheck("service:"+name, func() Check {
			p.mu.RLock()
			defer p.mu.RUnlock()
			return p.results[name]
		})
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, target := range p.targets {
		check := p.probe(ctx, target)

		p.mu.Lock()
		previous := p.results[target.Name]
		p.results[target.Name] = check
		p.mu.Unlock()

		if previous.Status != check.Status {
			p.logger.Info("downstream health changed",
				observability.String("service", target.Name),
				observability.String("from", string(previous.Status)),
				observability.String("to", string(check.Status)),
			)
		}
	}
}

func (p *Prober) probe(ctx context.Context, target Target) Check {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Check{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("health endpoint returned %d", resp.StatusCode),
		}
	}
	return Check{Status: StatusHealthy}
}

// BreakerCheck returns a readiness check over the circuit breaker registry:
// degraded when any breaker is open, healthy otherwise. An open breaker
// means traffic is being shed, not that the gateway itself is down.
func BreakerCheck(registry *circuitbreaker.Registry) CheckFunc {
	return func() Check {
		open := 0
		for _, service := range registry.Services() {
			state, _, _ := registry.Metrics(service)
			if state == circuitbreaker.StateOpen {
				open++
			}
		}
		if open > 0 {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d circuit breaker(s) open", open),
			}
		}
		return Check{Status: StatusHealthy}
	}
}
