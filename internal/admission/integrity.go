package admission

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/clock"
)

// Request headers consumed by the integrity validator.
const (
	HeaderRequestTimestamp = "X-Request-Timestamp"
	HeaderCorrelationID    = "X-Correlation-Id"
	HeaderRequestID        = "X-Request-Id"
)

// IntegrityConfig holds request integrity validation settings.
type IntegrityConfig struct {
	// MaxDrift is the maximum absolute difference between the request
	// timestamp and server time.
	MaxDrift time.Duration

	// RequireTimestamp rejects requests without a parseable timestamp
	// header. When false, only a present-and-stale timestamp rejects.
	RequireTimestamp bool
}

// DefaultIntegrityConfig returns the default integrity settings.
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		MaxDrift:         5 * time.Minute,
		RequireTimestamp: false,
	}
}

// IntegrityValidator checks request freshness against server time, a
// replay-attack mitigation. Its settings are atomics so a config reload can
// swap them under live traffic.
type IntegrityValidator struct {
	maxDriftSecs     atomic.Int64
	requireTimestamp atomic.Bool
	clk              clock.Clock
}

// NewIntegrityValidator creates a validator. A nil clock uses real time.
func NewIntegrityValidator(cfg IntegrityConfig, clk clock.Clock) *IntegrityValidator {
	if clk == nil {
		clk = clock.Real()
	}
	v := &IntegrityValidator{clk: clk}
	v.Apply(cfg)
	return v
}

// Apply swaps in new settings. Safe to call while requests are in flight.
func (v *IntegrityValidator) Apply(cfg IntegrityConfig) {
	v.maxDriftSecs.Store(int64(cfg.MaxDrift / time.Second))
	v.requireTimestamp.Store(cfg.RequireTimestamp)
}

// ValidateFreshness rejects requests whose X-Request-Timestamp (epoch
// seconds) drifts more than MaxDrift from server time.
func (v *IntegrityValidator) ValidateFreshness(req *http.Request) error {
	raw := req.Header.Get(HeaderRequestTimestamp)
	if raw == "" {
		if v.requireTimestamp.Load() {
			return apierror.Validation("Request timestamp required")
		}
		return nil
	}

	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if v.requireTimestamp.Load() {
			return apierror.Validation("Malformed request timestamp")
		}
		return nil
	}

	// Compared as bounds around now so that an extreme timestamp cannot
	// overflow a subtraction and slip through as fresh.
	now := v.clk.Now().Unix()
	maxDrift := v.maxDriftSecs.Load()
	if ts < now-maxDrift || ts > now+maxDrift {
		return apierror.StaleRequest("Request timestamp is outside acceptable window")
	}
	return nil
}

// EnsureCorrelationID returns the request's correlation id, falling back to
// X-Request-Id, generating a fresh one when neither is present.
func EnsureCorrelationID(req *http.Request) string {
	if id := req.Header.Get(HeaderCorrelationID); id != "" {
		return id
	}
	if id := req.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return NewCorrelationID()
}

// NewCorrelationID generates a correlation id.
func NewCorrelationID() string {
	short, _, _ := strings.Cut(uuid.NewString(), "-")
	return fmt.Sprintf("zt-%d-%s", time.Now().UnixMilli(), short)
}
