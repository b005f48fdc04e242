// Package middleware provides the HTTP middleware chain for the gateway:
// panic recovery, request logging, correlation, admission, rate limiting,
// and response caching.
package middleware

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderRetryAfter is the Retry-After header name.
	HeaderRetryAfter = "Retry-After"

	// HeaderXForwardedFor is the X-Forwarded-For header name.
	HeaderXForwardedFor = "X-Forwarded-For"

	// HeaderXRealIP is the X-Real-IP header name.
	HeaderXRealIP = "X-Real-IP"

	// HeaderCorrelationID is the correlation id header, echoed on every
	// response.
	HeaderCorrelationID = "X-Correlation-Id"

	// HeaderCache reports cache hit/miss on responses.
	HeaderCache = "X-Cache"

	// HeaderRateLimitLimit is the window limit for the matched bucket.
	HeaderRateLimitLimit = "X-RateLimit-Limit"

	// HeaderRateLimitRemaining is the remaining allowance in the window.
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"

	// HeaderRateLimitReset is the epoch second the window resets.
	HeaderRateLimitReset = "X-RateLimit-Reset"
)

// Content type constants.
const (
	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// X-Cache header values.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)
