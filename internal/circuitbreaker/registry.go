package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/confusedev/trafficgate/internal/clock"
	"github.com/confusedev/trafficgate/internal/observability"
)

// breakerState holds the mutable state of one service's breaker. All fields
// are atomics so that concurrent requests never contend on a lock.
type breakerState struct {
	consecutiveFailures  atomic.Uint32
	consecutiveSuccesses atomic.Uint32
	// openedAt is the open-transition instant in unix nanoseconds.
	// Zero means the circuit is closed.
	openedAt       atomic.Int64
	halfOpenProbes atomic.Uint32
}

// Registry tracks one circuit breaker per downstream service name.
// Breakers are created lazily on first reference and live for the process
// lifetime. The Open to HalfOpen transition is computed lazily from the open
// timestamp on every read; there is no timer goroutine.
type Registry struct {
	breakers sync.Map // service name -> *breakerState
	config   Config
	clk      clock.Clock
	logger   observability.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source. Intended for tests.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		r.clk = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	_ = cfg.Validate()

	r := &Registry{
		config: cfg,
		clk:    clock.Real(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) getOrCreate(service string) *breakerState {
	if b, ok := r.breakers.Load(service); ok {
		return b.(*breakerState)
	}
	b, _ := r.breakers.LoadOrStore(service, &breakerState{})
	return b.(*breakerState)
}

// stateAt computes the breaker state as a pure function of the open
// timestamp and the given instant.
func (r *Registry) stateAt(b *breakerState, now time.Time) State {
	opened := b.openedAt.Load()
	if opened == 0 {
		return StateClosed
	}
	if now.UnixNano()-opened >= r.config.OpenDuration.Nanoseconds() {
		return StateHalfOpen
	}
	return StateOpen
}

// State returns the current state of the breaker for a service.
func (r *Registry) State(service string) State {
	return r.stateAt(r.getOrCreate(service), r.clk.Now())
}

// Allow reports whether a request to the service may be attempted.
// Closed admits everything, Open admits nothing, and HalfOpen admits
// HalfOpenSuccesses+1 probes before blocking again.
func (r *Registry) Allow(service string) bool {
	b := r.getOrCreate(service)

	var allowed bool
	switch r.stateAt(b, r.clk.Now()) {
	case StateClosed:
		allowed = true
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		probes := b.halfOpenProbes.Add(1) - 1
		allowed = probes < r.config.HalfOpenSuccesses+1
	}

	RecordRequest(service, allowed)
	return allowed
}

// RecordSuccess records a successful call to the service. Recording a
// success zeroes the failure counter; while the circuit is not closed,
// reaching HalfOpenSuccesses consecutive successes closes it.
func (r *Registry) RecordSuccess(service string) {
	b := r.getOrCreate(service)

	b.consecutiveFailures.Store(0)
	successes := b.consecutiveSuccesses.Add(1)

	if b.openedAt.Load() > 0 && successes >= r.config.HalfOpenSuccesses {
		b.openedAt.Store(0)
		b.consecutiveSuccesses.Store(0)
		b.halfOpenProbes.Store(0)

		r.logger.Info("circuit breaker closed, service recovered",
			observability.String("service", service),
		)
		RecordStateChange(service, StateHalfOpen, StateClosed)
	}

	RecordSuccessMetric(service)
}

// RecordFailure records a failed call to the service. Recording a failure
// zeroes the success counter; reaching FailureThreshold consecutive failures
// opens the circuit (or re-stamps an already open one, which also re-opens
// from a failed half-open probe).
func (r *Registry) RecordFailure(service string) {
	b := r.getOrCreate(service)

	b.consecutiveSuccesses.Store(0)
	failures := b.consecutiveFailures.Add(1)

	if failures >= r.config.FailureThreshold {
		wasOpen := b.openedAt.Load() > 0
		b.openedAt.Store(r.clk.Now().UnixNano())
		b.halfOpenProbes.Store(0)

		if wasOpen {
			r.logger.Warn("circuit breaker re-opened from failed probe",
				observability.String("service", service),
			)
			RecordStateChange(service, StateHalfOpen, StateOpen)
		} else {
			r.logger.Warn("circuit breaker opened, isolating failing service",
				observability.String("service", service),
				observability.Uint32("failures", failures),
			)
			RecordStateChange(service, StateClosed, StateOpen)
		}
	}

	RecordFailureMetric(service)
}

// Metrics returns the state and consecutive failure/success counts for a
// service, for health reporting.
func (r *Registry) Metrics(service string) (State, uint32, uint32) {
	b := r.getOrCreate(service)
	return r.stateAt(b, r.clk.Now()),
		b.consecutiveFailures.Load(),
		b.consecutiveSuccesses.Load()
}

// Services returns the names of all services with a registered breaker.
func (r *Registry) Services() []string {
	var names []string
	r.breakers.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}
