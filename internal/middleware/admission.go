package middleware

import (
	"net/http"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/observability"
)

// Authenticate returns a middleware that resolves the caller identity and
// rejects unauthenticated requests.
func Authenticate(resolver *admission.Resolver, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := resolver.ResolveIdentity(r.Context(), r)
			if err != nil {
				logger.Debug("authentication failed",
					observability.String("path", r.URL.Path),
					observability.Error(err),
				)
				apierror.WriteJSON(w, err)
				return
			}

			ctx := admission.ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateOptional resolves the caller identity when credentials are
// present but never rejects; absent or invalid credentials leave the
// request anonymous.
func AuthenticateOptional(resolver *admission.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := resolver.ResolveOptional(r.Context(), r)
			ctx := admission.ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Freshness returns a middleware that rejects requests whose timestamp
// header drifts too far from server time.
func Freshness(validator *admission.IntegrityValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validator.ValidateFreshness(r); err != nil {
				apierror.WriteJSON(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
