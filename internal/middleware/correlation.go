package middleware

import (
	"net/http"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/observability"
)

// Correlation returns a middleware that ensures every request carries a
// correlation id, propagates it through the context, and echoes it on the
// response.
func Correlation() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := admission.EnsureCorrelationID(r)

			ctx := observability.ContextWithCorrelationID(r.Context(), correlationID)
			if requestID := r.Header.Get(admission.HeaderRequestID); requestID != "" {
				ctx = observability.ContextWithRequestID(ctx, requestID)
			}

			w.Header().Set(HeaderCorrelationID, correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
