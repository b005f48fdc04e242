package middleware

import (
	"net/http"
	"strconv"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/observability"
	"github.com/confusedev/trafficgate/internal/ratelimit"
)

// RateLimit returns a middleware that enforces per-client sliding window
// limits per route bucket. Limit headers are set on every response,
// including rejections. A limiter backend error admits the request.
func RateLimit(
	limiter ratelimit.Limiter,
	policy *ratelimit.BucketPolicy,
	extractor *ClientIPExtractor,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buckets := policy.Current()
			bucket, limit := buckets.ForPath(r.URL.Path)

			subject := admission.SubjectFromContext(r.Context())
			clientID := ratelimit.ClientID(subject, r)
			if subject == "" && extractor != nil {
				clientID = extractor.Extract(r)
			}

			result, err := limiter.CheckAndRecord(r.Context(), clientID, bucket, limit, buckets.Window)
			if err != nil {
				// Fail open: limiter trouble must not take down traffic.
				logger.Warn("rate limiter error, admitting request",
					observability.String("bucket", bucket),
					observability.Error(err),
				)
				ratelimit.RecordBackendError()
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
			w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
			w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(result.ResetAt, 10))

			if !result.Allowed {
				logger.Warn("rate limit exceeded",
					observability.String("client_id", clientID),
					observability.String("bucket", bucket),
					observability.String("path", r.URL.Path),
				)
				w.Header().Set(HeaderRetryAfter, "1")
				apierror.WriteJSON(w, apierror.RateLimited())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
