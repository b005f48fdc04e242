package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/cache"
	"github.com/confusedev/trafficgate/internal/circuitbreaker"
	"github.com/confusedev/trafficgate/internal/config"
	"github.com/confusedev/trafficgate/internal/events"
	"github.com/confusedev/trafficgate/internal/health"
	"github.com/confusedev/trafficgate/internal/middleware"
	"github.com/confusedev/trafficgate/internal/observability"
	"github.com/confusedev/trafficgate/internal/ratelimit"
)

// Options carries the assembled components the server wires together.
type Options struct {
	Config      *config.GatewayConfig
	Logger      observability.Logger
	Resolver    *admission.Resolver
	Integrity   *admission.IntegrityValidator
	Limiter     ratelimit.Limiter
	Buckets     ratelimit.Buckets
	Cache       cache.Cache
	TTLPolicy   cache.TTLPolicy
	Breakers    *circuitbreaker.Registry
	Publisher   *events.Publisher
	Checker     *health.Checker
	FloodGuard  *middleware.FloodGuard
	IPExtractor *middleware.ClientIPExtractor
}

// Server is the gateway HTTP server. It keeps references to the
// hot-reloadable pieces of the chain so ApplyConfig can swap them while
// serving.
type Server struct {
	httpServer *http.Server
	logger     observability.Logger

	buckets   *ratelimit.BucketPolicy
	ttl       *cache.TTLPolicySource
	integrity *admission.IntegrityValidator
}

// NewServer builds the routing table and middleware chain.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if opts.Integrity == nil {
		opts.Integrity = admission.NewIntegrityValidator(admission.DefaultIntegrityConfig(), nil)
	}
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NoopLimiter{}
	}
	if opts.Buckets == (ratelimit.Buckets{}) {
		opts.Buckets = ratelimit.DefaultBuckets()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewDisabled()
	}
	if opts.TTLPolicy == (cache.TTLPolicy{}) {
		opts.TTLPolicy = cache.DefaultTTLPolicy()
	}

	bucketPolicy := ratelimit.NewBucketPolicy(opts.Buckets)
	ttlSource := cache.NewTTLPolicySource(opts.TTLPolicy)

	mux := http.NewServeMux()

	if opts.Checker != nil {
		mux.HandleFunc("GET /healthz", opts.Checker.HealthHandler())
		mux.HandleFunc("GET /readyz", opts.Checker.ReadinessHandler())
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	// Shared middleware applied to every API route, outermost first.
	base := func(h http.Handler) http.Handler {
		return chain(h,
			middleware.Recovery(logger),
			middleware.Correlation(),
			middleware.Logging(logger),
			middleware.Guard(opts.FloodGuard, opts.IPExtractor),
			middleware.Freshness(opts.Integrity),
		)
	}
	authed := func(h http.Handler) http.Handler {
		return base(chain(h,
			middleware.Authenticate(opts.Resolver, logger),
			middleware.RateLimit(opts.Limiter, bucketPolicy, opts.IPExtractor, logger),
		))
	}
	public := func(h http.Handler) http.Handler {
		return base(chain(h,
			middleware.AuthenticateOptional(opts.Resolver),
			middleware.RateLimit(opts.Limiter, bucketPolicy, opts.IPExtractor, logger),
		))
	}
	cached := func(h http.Handler) http.Handler {
		return middleware.ResponseCache(opts.Cache, ttlSource, logger)(h)
	}

	mux.Handle("POST /api/sources/{id}/sync", authed(syncEndpoint(opts.Publisher, logger)))

	services := opts.Config.Services.All()
	if svc, ok := services["auth"]; ok {
		proxy, err := serviceProxy("auth", svc, opts.Breakers, logger)
		if err != nil {
			return nil, err
		}
		// Auth endpoints take credentials, they do not require them.
		mux.Handle("/api/auth/", public(cached(proxy)))
	}
	if svc, ok := services["sources"]; ok {
		proxy, err := serviceProxy("sources", svc, opts.Breakers, logger)
		if err != nil {
			return nil, err
		}
		mux.Handle("/api/sources/", authed(cached(proxy)))
	}
	if svc, ok := services["search"]; ok {
		proxy, err := serviceProxy("search", svc, opts.Breakers, logger)
		if err != nil {
			return nil, err
		}
		mux.Handle("/api/search", public(cached(proxy)))
		mux.Handle("/api/search/", public(cached(proxy)))
	}
	if svc, ok := services["workspace"]; ok {
		proxy, err := serviceProxy("workspace", svc, opts.Breakers, logger)
		if err != nil {
			return nil, err
		}
		mux.Handle("/api/workspaces/", authed(cached(proxy)))
	}

	srv := &http.Server{
		Addr:         opts.Config.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  opts.Config.Server.ReadTimeout.Duration(),
		WriteTimeout: opts.Config.Server.WriteTimeout.Duration(),
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		buckets:    bucketPolicy,
		ttl:        ttlSource,
		integrity:  opts.Integrity,
	}, nil
}

// ApplyConfig swaps in the hot-reloadable settings from cfg: route bucket
// limits, cache TTLs, and freshness enforcement. Listener, backend, and
// middleware topology changes still require a restart.
func (s *Server) ApplyConfig(cfg *config.GatewayConfig) {
	s.buckets.Update(BucketsFromConfig(cfg))
	s.ttl.Update(TTLPolicyFromConfig(cfg))
	s.integrity.Apply(admission.IntegrityConfig{
		MaxDrift:         cfg.Admission.MaxDrift.Duration(),
		RequireTimestamp: cfg.Admission.RequireTimestamp,
	})

	s.logger.Info("runtime configuration applied",
		observability.Int("default_limit", cfg.RateLimit.DefaultLimit),
		observability.Duration("default_ttl", cfg.Cache.DefaultTTL.Duration()),
		observability.Duration("max_drift", cfg.Admission.MaxDrift.Duration()),
	)
}

// BucketsFromConfig derives the route bucket limits from cfg.
func BucketsFromConfig(cfg *config.GatewayConfig) ratelimit.Buckets {
	return ratelimit.Buckets{
		DefaultLimit: cfg.RateLimit.DefaultLimit,
		SearchLimit:  cfg.RateLimit.SearchLimit,
		SourcesLimit: cfg.RateLimit.SourcesLimit,
		SyncLimit:    cfg.RateLimit.SyncLimit,
		Window:       cfg.RateLimit.Window.Duration(),
	}
}

// TTLPolicyFromConfig derives the cache TTL policy from cfg.
func TTLPolicyFromConfig(cfg *config.GatewayConfig) cache.TTLPolicy {
	return cache.TTLPolicy{
		Default: cfg.Cache.DefaultTTL.Duration(),
		Auth:    cfg.Cache.AuthTTL.Duration(),
		Search:  cfg.Cache.SearchTTL.Duration(),
	}
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("gateway listening",
		observability.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("gateway shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func serviceProxy(
	name string,
	svc config.ServiceConfig,
	breakers *circuitbreaker.Registry,
	logger observability.Logger,
) (http.Handler, error) {
	target, err := url.Parse(svc.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s service URL: %w", name, err)
	}
	return NewProxy(name, target, svc.Timeout.Duration(), breakers, logger), nil
}

// syncEndpoint returns the sync handler, or a 503 responder when events are
// disabled.
func syncEndpoint(publisher *events.Publisher, logger observability.Logger) http.Handler {
	if publisher == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apierror.WriteJSON(w, apierror.ServiceUnavailable("Event publishing is disabled"))
		})
	}
	return NewSyncHandler(publisher, logger)
}

// chain applies middlewares to h, first listed outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
