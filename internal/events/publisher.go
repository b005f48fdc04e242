package events

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/confusedev/trafficgate/internal/observability"
	"github.com/confusedev/trafficgate/internal/retry"
)

// tracerName is the OpenTelemetry tracer name for publish operations.
const tracerName = "trafficgate/events"

// Publisher errors.
var (
	// ErrCircuitOpen indicates the bus breaker is open; nothing was sent.
	ErrCircuitOpen = errors.New("event publisher circuit open")

	// ErrMaxRetriesExceeded indicates every delivery attempt failed.
	ErrMaxRetriesExceeded = errors.New("event publish retries exceeded")

	// ErrSerializationFailed indicates the event could not be encoded.
	ErrSerializationFailed = errors.New("event serialization failed")

	// ErrTransportFailed wraps a transport-level delivery failure.
	ErrTransportFailed = errors.New("event transport failed")
)

// Transport delivers an opaque payload to a bus subject. The message id is
// stable across retries of one logical publish, so a transport with
// idempotent-producer semantics can deduplicate.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
	Close() error
}

// Config holds publisher configuration.
type Config struct {
	// Retries is the number of delivery retries after the initial attempt.
	Retries int

	// BackoffBase is the delay before the first retry; each further retry
	// doubles it.
	BackoffBase time.Duration

	// RequestTimeout bounds one delivery attempt.
	RequestTimeout time.Duration

	// BreakerThreshold is the number of consecutive failed publishes
	// before the breaker opens.
	BreakerThreshold uint32

	// BreakerRecovery is how long the breaker stays open.
	BreakerRecovery time.Duration
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		Retries:          5,
		BackoffBase:      100 * time.Millisecond,
		RequestTimeout:   30 * time.Second,
		BreakerThreshold: 5,
		BreakerRecovery:  30 * time.Second,
	}
}

// Publisher delivers events to the message bus. Its breaker guards the bus
// itself, a failure domain separate from the per-service breakers in the
// registry: when the bus is down, publishes fail fast instead of piling up
// retries.
type Publisher struct {
	transport Transport
	config    Config
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
	sleep     retry.SleepFunc
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger observability.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSleep overrides the backoff wait. Intended for tests.
func WithSleep(sleep retry.SleepFunc) PublisherOption {
	return func(p *Publisher) {
		p.sleep = sleep
	}
}

// NewPublisher creates a publisher over the given transport.
func NewPublisher(transport Transport, cfg Config, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: transport,
		config:    cfg,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-publisher",
		MaxRequests: 1,
		Timeout:     cfg.BreakerRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("publisher breaker state changed",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			RecordBreakerState(to)
		},
	})

	return p
}

// Publish serializes the event and delivers it to the topic. It returns the
// delivery key (the correlation id, or a generated one) on success.
//
// The event is serialized and compressed exactly once; retries resend the
// same payload under the same message id. One publish — however many
// attempts it took — counts as a single success or failure against the
// breaker.
func (p *Publisher) Publish(ctx context.Context, topic string, event any, correlationID string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "events.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", topic)),
	)
	defer span.End()

	// Serialization failures are caller bugs and never touch the breaker.
	raw, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	payload, err := compress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	key := correlationID
	if key == "" {
		key = uuid.NewString()
	}
	msgID := uuid.NewString()

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.sendWithRetry(ctx, topic, payload, msgID)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		RecordPublish(topic, "circuit_open")
		return "", ErrCircuitOpen
	case err != nil:
		RecordPublish(topic, "failed")
		return "", err
	}

	RecordPublish(topic, "ok")
	p.logger.Debug("event published",
		observability.String("topic", topic),
		observability.String("correlation_id", key),
	)
	return key, nil
}

// sendWithRetry attempts delivery with exponential backoff between attempts.
func (p *Publisher) sendWithRetry(ctx context.Context, topic string, payload []byte, msgID string) error {
	cfg := &retry.Config{
		MaxRetries:     p.config.Retries,
		InitialBackoff: p.config.BackoffBase,
		MaxBackoff:     p.config.RequestTimeout,
		JitterFactor:   0,
	}

	err := retry.Do(ctx, cfg, func() error {
		attemptCtx := ctx
		if p.config.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
			defer cancel()
		}
		return p.transport.Publish(attemptCtx, topic, payload, msgID)
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			p.logger.Warn("event publish failed, retrying",
				observability.String("topic", topic),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
			RecordRetry(topic)
		},
		Sleep: p.sleep,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, fmt.Errorf("%w: %w", ErrTransportFailed, err))
	}
	return nil
}

// Healthy reports whether the publisher breaker is not open.
func (p *Publisher) Healthy() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// Close closes the underlying transport.
func (p *Publisher) Close() error {
	return p.transport.Close()
}

// compress gzips the payload.
func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
