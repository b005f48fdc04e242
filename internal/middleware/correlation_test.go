package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/confusedev/trafficgate/internal/observability"
)

func TestCorrelation_EchoesIncomingID(t *testing.T) {
	t.Parallel()

	var inContext string
	handler := Correlation()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inContext = observability.CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", rec.Header().Get(HeaderCorrelationID))
	assert.Equal(t, "corr-1", inContext)
}

func TestCorrelation_GeneratesWhenAbsent(t *testing.T) {
	t.Parallel()

	handler := Correlation()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	generated := rec.Header().Get(HeaderCorrelationID)
	assert.Regexp(t, `^zt-\d+-[0-9a-f]{8}$`, generated)
}

func TestCorrelation_FallsBackToRequestID(t *testing.T) {
	t.Parallel()

	handler := Correlation()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-9", rec.Header().Get(HeaderCorrelationID))
}
