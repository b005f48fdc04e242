package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/clock"
	"github.com/confusedev/trafficgate/internal/observability"
)

type staticVerifier struct {
	user *admission.UserInfo
	err  error
}

func (s staticVerifier) VerifyToken(context.Context, string) (*admission.UserInfo, error) {
	return s.user, s.err
}

type staticKeyValidator struct{}

func (staticKeyValidator) ValidateAPIKey(context.Context, string) (*admission.APIKeyInfo, error) {
	return nil, apierror.Unauthorized("Invalid API key")
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAuthenticate_RejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	resolver := admission.NewResolver(staticVerifier{}, staticKeyValidator{}, false, nil)
	handler := Authenticate(resolver, observability.NopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be reached")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sources", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeErrorCode(t, rec))
}

func TestAuthenticate_AttachesIdentity(t *testing.T) {
	t.Parallel()

	resolver := admission.NewResolver(staticVerifier{user: &admission.UserInfo{ID: "user-42"}},
		staticKeyValidator{}, false, nil)

	var seen string
	handler := Authenticate(resolver, observability.NopLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = admission.SubjectFromContext(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", seen)
}

func TestAuthenticateOptional_AnonymousPassesThrough(t *testing.T) {
	t.Parallel()

	resolver := admission.NewResolver(staticVerifier{err: apierror.Unauthorized("bad")},
		staticKeyValidator{}, false, nil)

	var anonymous bool
	handler := AuthenticateOptional(resolver)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := admission.IdentityFromContext(r.Context())
			anonymous = ok && identity.IsAnonymous()
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, anonymous)
}

func TestFreshness_RejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	validator := admission.NewIntegrityValidator(admission.DefaultIntegrityConfig(), clk)
	handler := Freshness(validator)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	stale := httptest.NewRequest(http.MethodPost, "/api/sources", nil)
	stale.Header.Set(admission.HeaderRequestTimestamp,
		strconv.FormatInt(clk.Now().Unix()-400, 10))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, stale)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "STALE_REQUEST", decodeErrorCode(t, rec))

	fresh := httptest.NewRequest(http.MethodPost, "/api/sources", nil)
	fresh.Header.Set(admission.HeaderRequestTimestamp,
		strconv.FormatInt(clk.Now().Unix()-100, 10))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, fresh)

	assert.Equal(t, http.StatusOK, rec.Code)
}
