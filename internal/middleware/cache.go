package middleware

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/cache"
	"github.com/confusedev/trafficgate/internal/observability"
)

// captureWriter buffers the response so it can be stored after serving.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

// ResponseCache returns a middleware that serves GET responses from the
// cache and stores fresh successful ones. Cache keys include the caller
// subject, so authenticated responses never leak across users.
func ResponseCache(
	store cache.Cache,
	policy *cache.TTLPolicySource,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			subject := admission.SubjectFromContext(r.Context())
			key := cache.BuildKey(r.Method, r.URL.Path, r.URL.RawQuery, subject)

			entry, err := store.Get(r.Context(), key)
			if err == nil {
				w.Header().Set(HeaderContentType, entry.ContentType)
				w.Header().Set(HeaderCache, CacheHit)
				w.WriteHeader(entry.Status)
				_, _ = w.Write(entry.Payload)
				return
			}
			if !errors.Is(err, cache.ErrCacheMiss) {
				logger.Warn("cache read failed",
					observability.String("key", key),
					observability.Error(err),
				)
			}

			w.Header().Set(HeaderCache, CacheMiss)
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			// Only successful responses are worth replaying.
			if cw.status < 200 || cw.status >= 300 || cw.body.Len() == 0 {
				return
			}

			ttl := policy.ForPath(r.URL.Path)
			contentType := cw.Header().Get(HeaderContentType)
			if err := store.Set(r.Context(), key, cw.body.Bytes(), cw.status, contentType, ttl); err != nil {
				logger.Warn("cache write failed",
					observability.String("key", key),
					observability.Error(err),
				)
			}
		})
	}
}
