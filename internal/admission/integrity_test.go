package admission

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/clock"
)

func newIntegrityValidator(t *testing.T) (*IntegrityValidator, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewIntegrityValidator(DefaultIntegrityConfig(), clk), clk
}

func timestampedRequest(ts int64) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/sources", nil)
	req.Header.Set(HeaderRequestTimestamp, strconv.FormatInt(ts, 10))
	return req
}

func TestValidateFreshness_WithinDrift(t *testing.T) {
	t.Parallel()

	v, clk := newIntegrityValidator(t)
	now := clk.Now().Unix()

	assert.NoError(t, v.ValidateFreshness(timestampedRequest(now)))
	assert.NoError(t, v.ValidateFreshness(timestampedRequest(now-100)))
	assert.NoError(t, v.ValidateFreshness(timestampedRequest(now+100)))
	assert.NoError(t, v.ValidateFreshness(timestampedRequest(now-300)))
}

func TestValidateFreshness_StaleRejected(t *testing.T) {
	t.Parallel()

	v, clk := newIntegrityValidator(t)
	now := clk.Now().Unix()

	for _, ts := range []int64{now - 400, now + 400, now - 3600} {
		err := v.ValidateFreshness(timestampedRequest(ts))
		require.Error(t, err, ts)
		assert.True(t, apierror.IsCode(err, apierror.CodeStaleRequest), ts)
	}
}

func TestValidateFreshness_ExtremeTimestampsRejected(t *testing.T) {
	t.Parallel()

	v, _ := newIntegrityValidator(t)

	// Timestamps near the int64 limits must not wrap past the drift check.
	for _, ts := range []int64{math.MinInt64, math.MaxInt64, math.MinInt64 + 1, math.MaxInt64 - 1} {
		err := v.ValidateFreshness(timestampedRequest(ts))
		require.Error(t, err, ts)
		assert.True(t, apierror.IsCode(err, apierror.CodeStaleRequest), ts)
	}
}

func TestIntegrityValidator_ApplySwapsDrift(t *testing.T) {
	t.Parallel()

	v, clk := newIntegrityValidator(t)
	now := clk.Now().Unix()

	err := v.ValidateFreshness(timestampedRequest(now - 600))
	require.Error(t, err)

	v.Apply(IntegrityConfig{MaxDrift: 15 * time.Minute})
	assert.NoError(t, v.ValidateFreshness(timestampedRequest(now-600)))

	v.Apply(IntegrityConfig{MaxDrift: time.Minute})
	err = v.ValidateFreshness(timestampedRequest(now - 600))
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.CodeStaleRequest))
}

func TestValidateFreshness_MissingTimestamp(t *testing.T) {
	t.Parallel()

	v, _ := newIntegrityValidator(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sources", nil)
	assert.NoError(t, v.ValidateFreshness(req))

	strict := NewIntegrityValidator(IntegrityConfig{
		MaxDrift:         5 * time.Minute,
		RequireTimestamp: true,
	}, clock.NewMock(time.Now()))
	err := strict.ValidateFreshness(req)
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.CodeValidation))
}

func TestValidateFreshness_MalformedTimestamp(t *testing.T) {
	t.Parallel()

	v, _ := newIntegrityValidator(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sources", nil)
	req.Header.Set(HeaderRequestTimestamp, "not-a-number")
	assert.NoError(t, v.ValidateFreshness(req))

	strict := NewIntegrityValidator(IntegrityConfig{
		MaxDrift:         5 * time.Minute,
		RequireTimestamp: true,
	}, clock.NewMock(time.Now()))
	err := strict.ValidateFreshness(req)
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.CodeValidation))
}

func TestEnsureCorrelationID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	req.Header.Set(HeaderRequestID, "req-1")
	assert.Equal(t, "corr-1", EnsureCorrelationID(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	assert.Equal(t, "req-1", EnsureCorrelationID(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	generated := EnsureCorrelationID(req)
	assert.NotEmpty(t, generated)
	assert.Regexp(t, `^zt-\d+-[0-9a-f]{8}$`, generated)
}

func TestNewCorrelationID_Unique(t *testing.T) {
	t.Parallel()

	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.NotEqual(t, a, b)
}
