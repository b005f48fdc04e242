package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/events"
	"github.com/confusedev/trafficgate/internal/observability"
)

type memoryTransport struct {
	mu       sync.Mutex
	err      error
	subjects []string
	payloads [][]byte
}

func (m *memoryTransport) Publish(_ context.Context, subject string, payload []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *memoryTransport) Close() error { return nil }

func newSyncHandler(t *testing.T, transport events.Transport) *SyncHandler {
	t.Helper()
	publisher := events.NewPublisher(transport, events.Config{
		Retries:     1,
		BackoffBase: time.Millisecond,
	}, events.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return NewSyncHandler(publisher, observability.NopLogger())
}

func syncHTTPRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/sources/src-1/sync", strings.NewReader(body))
	req.SetPathValue("id", "src-1")
	ctx := observability.ContextWithCorrelationID(req.Context(), "corr-1")
	ctx = admission.ContextWithIdentity(ctx, admission.DevIdentity())
	return req.WithContext(ctx)
}

func gunzipJSON(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSyncHandler_PublishesAndAccepts(t *testing.T) {
	t.Parallel()

	transport := &memoryTransport{}
	handler := newSyncHandler(t, transport)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncHTTPRequest(
		`{"source_type":"github","source_url":"https://github.com/acme/repo","branch":"main","full_sync":true}`))

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp events.SyncRequestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, "sync_requested", resp.Status)
	assert.NotEmpty(t, resp.EventID)

	require.Len(t, transport.subjects, 1)
	assert.Equal(t, events.TopicSourceSyncRequested, transport.subjects[0])

	wire := gunzipJSON(t, transport.payloads[0])
	assert.Equal(t, "src-1", wire["source_id"])
	assert.Equal(t, "github", wire["source_type"])
	assert.Equal(t, "main", wire["branch"])
	assert.Equal(t, true, wire["full_sync"])

	headers := wire["headers"].(map[string]any)
	assert.Equal(t, "corr-1", headers["correlation_id"])

	metadata := wire["metadata"].(map[string]any)
	assert.Equal(t, "demo-user-001", metadata["user_id"])
}

func TestSyncHandler_ValidationFailures(t *testing.T) {
	t.Parallel()

	transport := &memoryTransport{}
	handler := newSyncHandler(t, transport)

	for name, body := range map[string]string{
		"malformed json":      `{`,
		"unknown source type": `{"source_type":"dropbox","source_url":"x"}`,
		"missing url":         `{"source_type":"github"}`,
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, syncHTTPRequest(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	assert.Empty(t, transport.subjects)
}

func TestSyncHandler_TransportFailureIs503(t *testing.T) {
	t.Parallel()

	transport := &memoryTransport{err: errors.New("bus down")}
	handler := newSyncHandler(t, transport)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncHTTPRequest(
		`{"source_type":"github","source_url":"https://github.com/acme/repo"}`))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "MAX_RETRIES_EXCEEDED")
}
