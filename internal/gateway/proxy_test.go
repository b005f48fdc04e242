package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/circuitbreaker"
	"github.com/confusedev/trafficgate/internal/observability"
)

func newTestProxy(t *testing.T, service string, backend *httptest.Server) (*Proxy, *circuitbreaker.Registry) {
	t.Helper()
	target, err := url.Parse(backend.URL)
	require.NoError(t, err)
	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	return NewProxy(service, target, 0, registry, observability.NopLogger()), registry
}

func TestProxy_FourXXIsNeutralForBreaker(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer backend.Close()

	proxy, registry := newTestProxy(t, "flaky", backend)

	// 404s between the failures must not reset the failure streak; the
	// fifth consecutive 500 still opens the circuit.
	for i := 0; i < 5; i++ {
		status.Store(http.StatusNotFound)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
		require.Equal(t, http.StatusNotFound, rec.Code, i)

		status.Store(http.StatusInternalServerError)
		rec = httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code, i)
	}

	assert.Equal(t, circuitbreaker.StateOpen, registry.State("flaky"))

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "CIRCUIT_OPEN")
}

func TestProxy_RecordsEachOutcomeOnce(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer backend.Close()

	// A service name no other test uses keeps the counter deltas exact.
	proxy, _ := newTestProxy(t, "billing", backend)

	successes := circuitbreaker.BreakerSuccessesTotal.WithLabelValues("billing")
	failures := circuitbreaker.BreakerFailuresTotal.WithLabelValues("billing")
	allowed := circuitbreaker.BreakerRequestsTotal.WithLabelValues("billing", "allowed")

	successesBefore := testutil.ToFloat64(successes)
	failuresBefore := testutil.ToFloat64(failures)
	allowedBefore := testutil.ToFloat64(allowed)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	status.Store(http.StatusInternalServerError)
	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(successes)-successesBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(failures)-failuresBefore)
	assert.Equal(t, 2.0, testutil.ToFloat64(allowed)-allowedBefore)
}
