// Package main is the entry point for the traffic gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/cache"
	"github.com/confusedev/trafficgate/internal/circuitbreaker"
	"github.com/confusedev/trafficgate/internal/clients"
	"github.com/confusedev/trafficgate/internal/config"
	"github.com/confusedev/trafficgate/internal/events"
	"github.com/confusedev/trafficgate/internal/gateway"
	"github.com/confusedev/trafficgate/internal/health"
	"github.com/confusedev/trafficgate/internal/middleware"
	"github.com/confusedev/trafficgate/internal/observability"
	"github.com/confusedev/trafficgate/internal/ratelimit"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	authBypass  bool
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg, configPath := loadAndValidateConfig(flags, logger)

	if err := run(cfg, configPath, logger); err != nil {
		logger.Fatal("gateway failed", observability.Error(err))
	}
}

func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	authBypass := flag.Bool("auth-bypass", os.Getenv("GATEWAY_AUTH_BYPASS") == "true",
		"Resolve every request to the development identity (never in production)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		authBypass:  *authBypass,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("trafficgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

func loadAndValidateConfig(flags cliFlags, logger observability.Logger) (*config.GatewayConfig, string) {
	logger.Info("starting trafficgate",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	path, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		logger.Warn("config file not found, using defaults", observability.Error(err))
		cfg := config.DefaultConfig()
		cfg.Admission.Bypass = cfg.Admission.Bypass || flags.authBypass
		return cfg, ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	cfg.Admission.Bypass = cfg.Admission.Bypass || flags.authBypass
	return cfg, path
}

func run(cfg *config.GatewayConfig, configPath string, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Admission.Bypass {
		logger.Warn("authentication bypass is enabled; every request resolves to the development identity")
	}

	tracer, err := observability.NewTracerProvider(ctx, observability.TracerConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", observability.Error(err))
		}
	}()

	var redisClient redis.UniversalClient
	if cfg.RateLimit.Backend == "redis" || cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	resolver, err := buildResolver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	integrity := admission.NewIntegrityValidator(admission.IntegrityConfig{
		MaxDrift:         cfg.Admission.MaxDrift.Duration(),
		RequireTimestamp: cfg.Admission.RequireTimestamp,
	}, nil)

	limiter, buckets := buildLimiter(cfg, redisClient, logger)
	store := buildCache(cfg, redisClient, logger)
	defer store.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		OpenDuration:      cfg.Breaker.OpenDuration.Duration(),
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
	}, circuitbreaker.WithLogger(logger))

	publisher, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	checker := health.NewChecker(version)
	checker.RegisterCheck("circuit_breakers", health.BreakerCheck(breakers))
	if publisher != nil {
		checker.RegisterCheck("events", func() health.Check {
			if publisher.Healthy() {
				return health.Check{Status: health.StatusHealthy}
			}
			return health.Check{Status: health.StatusDegraded, Message: "publisher circuit open"}
		})
	}

	prober := buildProber(cfg, logger)
	if prober != nil {
		prober.RegisterWith(checker)
		prober.Start(ctx)
		defer prober.Stop()
	}

	var extractor *middleware.ClientIPExtractor
	if len(cfg.Server.TrustedProxies) > 0 {
		extractor = middleware.NewClientIPExtractor(cfg.Server.TrustedProxies)
	}

	var guard *middleware.FloodGuard
	if cfg.RateLimit.Enabled && cfg.RateLimit.FloodRPS > 0 {
		guard = middleware.NewFloodGuard(cfg.RateLimit.FloodRPS, cfg.RateLimit.FloodBurst,
			middleware.WithFloodGuardLogger(logger))
		guard.StartCleanup()
		defer guard.Stop()
	}

	srv, err := gateway.NewServer(gateway.Options{
		Config:      cfg,
		Logger:      logger,
		Resolver:    resolver,
		Integrity:   integrity,
		Limiter:     limiter,
		Buckets:     buckets,
		Cache:       store,
		Breakers:    breakers,
		Publisher:   publisher,
		Checker:     checker,
		TTLPolicy:   gateway.TTLPolicyFromConfig(cfg),
		FloodGuard:  guard,
		IPExtractor: extractor,
	})
	if err != nil {
		return err
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.GatewayConfig) {
			srv.ApplyConfig(next)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildResolver(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (*admission.Resolver, error) {
	var (
		tokens  admission.TokenVerifier
		apiKeys admission.APIKeyValidator
	)

	authURL := cfg.Services.Auth.URL
	if authURL != "" {
		authClient, err := clients.NewAuthClient(clients.AuthClientConfig{
			BaseURL: authURL,
			Timeout: cfg.Services.Auth.Timeout.Duration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		tokens = authClient
		apiKeys = authClient
	}

	// Local verification takes precedence over the auth service for tokens.
	if cfg.Admission.JWKSURL != "" || cfg.Admission.HMACSecret != "" {
		verifier, err := admission.NewLocalVerifier(ctx, admission.LocalVerifierConfig{
			JWKSURL:    cfg.Admission.JWKSURL,
			HMACSecret: cfg.Admission.HMACSecret,
			Issuer:     cfg.Admission.Issuer,
		})
		if err != nil {
			return nil, err
		}
		tokens = verifier
	}

	return admission.NewResolver(tokens, apiKeys, cfg.Admission.Bypass, logger), nil
}

func buildLimiter(
	cfg *config.GatewayConfig,
	redisClient redis.UniversalClient,
	logger observability.Logger,
) (ratelimit.Limiter, ratelimit.Buckets) {
	buckets := gateway.BucketsFromConfig(cfg)

	if !cfg.RateLimit.Enabled {
		return ratelimit.NoopLimiter{}, buckets
	}
	if cfg.RateLimit.Backend == "redis" {
		return ratelimit.NewRedisLimiter(redisClient, logger), buckets
	}
	return ratelimit.NewMemoryLimiter(ratelimit.WithMemoryLogger(logger)), buckets
}

func buildCache(
	cfg *config.GatewayConfig,
	redisClient redis.UniversalClient,
	logger observability.Logger,
) cache.Cache {
	if !cfg.Cache.Enabled {
		return cache.NewDisabled()
	}
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedisCache(redisClient, logger)
	}
	return cache.NewMemoryCache(cfg.Cache.MaxEntries, cache.WithMemoryLogger(logger))
}

func buildPublisher(cfg *config.GatewayConfig, logger observability.Logger) (*events.Publisher, error) {
	if !cfg.Events.Enabled {
		return nil, nil
	}

	transport, err := events.NewNATSTransport(cfg.Events.URL, cfg.Events.ClientName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}

	return events.NewPublisher(transport, events.Config{
		Retries:          cfg.Events.Retries,
		BackoffBase:      cfg.Events.BackoffBase.Duration(),
		RequestTimeout:   cfg.Events.RequestTimeout.Duration(),
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerRecovery:  cfg.Events.BreakerRecovery.Duration(),
	}, events.WithPublisherLogger(logger)), nil
}

func buildProber(cfg *config.GatewayConfig, logger observability.Logger) *health.Prober {
	var targets []health.Target
	for name, svc := range cfg.Services.All() {
		targets = append(targets, health.Target{
			Name: name,
			URL:  svc.URL + "/health",
		})
	}
	if len(targets) == 0 {
		return nil
	}
	return health.NewProber(targets, health.WithProberLogger(logger))
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
