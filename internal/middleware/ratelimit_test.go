package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/observability"
	"github.com/confusedev/trafficgate/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_AllowsAndSetsHeaders(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	buckets := ratelimit.Buckets{DefaultLimit: 3, Window: time.Minute}
	handler := RateLimit(limiter, ratelimit.NewBucketPolicy(buckets), nil, observability.NopLogger())(okHandler())

	for i, wantRemaining := range []string{"2", "1", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		req.Header.Set(HeaderXRealIP, "10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, i)
		assert.Equal(t, "3", rec.Header().Get(HeaderRateLimitLimit))
		assert.Equal(t, wantRemaining, rec.Header().Get(HeaderRateLimitRemaining))
		assert.NotEmpty(t, rec.Header().Get(HeaderRateLimitReset))
	}
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	buckets := ratelimit.Buckets{DefaultLimit: 2, Window: time.Minute}
	handler := RateLimit(limiter, ratelimit.NewBucketPolicy(buckets), nil, observability.NopLogger())(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		req.Header.Set(HeaderXRealIP, "10.0.0.2")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeErrorCode(t, rec))
	assert.Equal(t, "1", rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))
}

func TestRateLimit_BucketsByPath(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	buckets := ratelimit.Buckets{
		DefaultLimit: 100,
		SearchLimit:  1,
		Window:       time.Minute,
	}
	handler := RateLimit(limiter, ratelimit.NewBucketPolicy(buckets), nil, observability.NopLogger())(okHandler())

	// Search bucket exhausts after one request; default bucket is untouched.
	for i, tc := range []struct {
		path string
		want int
	}{
		{"/api/search", http.StatusOK},
		{"/api/search", http.StatusTooManyRequests},
		{"/api/other", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req.Header.Set(HeaderXRealIP, "10.0.0.3")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, i)
	}
}

func TestRateLimit_AuthenticatedSubjectsAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	buckets := ratelimit.Buckets{DefaultLimit: 1, Window: time.Minute}
	handler := RateLimit(limiter, ratelimit.NewBucketPolicy(buckets), nil, observability.NopLogger())(okHandler())

	send := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		identity := &admission.Identity{Subject: subject, AuthType: admission.AuthTypeJWT}
		req = req.WithContext(admission.ContextWithIdentity(req.Context(), identity))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("user-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("user-a"))
	assert.Equal(t, http.StatusOK, send("user-b"))
}

func TestRateLimit_RecordsOneDecisionPerRequest(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	buckets := ratelimit.Buckets{SourcesLimit: 10, Window: time.Minute}
	handler := RateLimit(limiter, ratelimit.NewBucketPolicy(buckets), nil, observability.NopLogger())(okHandler())

	// The sources bucket is untouched by the other tests in this package,
	// so the counter delta is exactly this test's traffic.
	counter := ratelimit.DecisionsTotal.WithLabelValues(ratelimit.BucketSources, "allowed")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/api/sources/list", nil)
	req.Header.Set(HeaderXRealIP, "10.0.0.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter)-before)
}

func TestRateLimit_SwappedBucketsTakeEffect(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	policy := ratelimit.NewBucketPolicy(ratelimit.Buckets{DefaultLimit: 1, Window: time.Minute})
	handler := RateLimit(limiter, policy, nil, observability.NopLogger())(okHandler())

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		req.Header.Set(HeaderXRealIP, "10.0.0.10")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())

	policy.Update(ratelimit.Buckets{DefaultLimit: 100, Window: time.Minute})
	assert.Equal(t, http.StatusOK, send())
}

type failingLimiter struct{}

func (failingLimiter) CheckAndRecord(context.Context, string, string, int, time.Duration) (*ratelimit.Result, error) {
	return nil, errors.New("backend down")
}

func TestRateLimit_FailsOpenOnBackendError(t *testing.T) {
	t.Parallel()

	buckets := ratelimit.Buckets{DefaultLimit: 1, Window: time.Minute}
	handler := RateLimit(failingLimiter{}, ratelimit.NewBucketPolicy(buckets), nil, observability.NopLogger())(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
