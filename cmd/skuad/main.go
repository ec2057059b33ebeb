// skuad is the skua API server. It serves the REST API, validates and
// enqueues runs, and reads results. Query execution happens in skua-runner;
// the two coordinate only through Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skua-data/skua/internal/api"
	"github.com/skua-data/skua/internal/auth"
	"github.com/skua-data/skua/internal/cache"
	"github.com/skua-data/skua/internal/config"
	"github.com/skua-data/skua/internal/connector"
	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/postgres"
	"github.com/skua-data/skua/internal/ratelimit"
	"github.com/skua-data/skua/internal/sqlguard"
	"github.com/skua-data/skua/internal/tracing"
)

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /skuad healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := os.Getenv("API_PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get("http://localhost:" + port + "/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.LoadAPI()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("skuad exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.API, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "skuad", cfg.OTLPEndpoint, cfg.AppEnv)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, "skuad")
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database ready")

	key, err := crypto.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, auth.DefaultTTL)
	if err != nil {
		return fmt.Errorf("JWT_SECRET: %w", err)
	}

	var policy *sqlguard.Policy
	if cfg.QueryPolicyFile != "" {
		policy, err = sqlguard.LoadPolicy(cfg.QueryPolicyFile)
		if err != nil {
			return fmt.Errorf("QUERY_POLICY_FILE: %w", err)
		}
		logger.Info("query policy loaded", "path", cfg.QueryPolicyFile)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	conns := connector.NewManager(logger)
	defer conns.Close()

	srv := &api.Server{
		Orgs:           postgres.NewOrgStore(pool),
		Users:          postgres.NewUserStore(pool),
		Datasources:    postgres.NewDatasourceStore(pool),
		Queries:        postgres.NewQueryStore(pool),
		Runs:           postgres.NewRunStore(pool),
		Schedules:      postgres.NewScheduleStore(pool),
		Visualizations: postgres.NewVisualizationStore(pool),
		Dashboards:     postgres.NewDashboardStore(pool),
		Canvases:       postgres.NewCanvasStore(pool),

		Tokens:     tokens,
		Sealer:     sealer,
		SQLGuard:   sqlguard.New(policy),
		Connectors: conns,

		SchemaCache: cache.New[uuid.UUID, []connector.Table](cache.Options{
			TTL:        60 * time.Second,
			MaxEntries: 500,
		}),

		Metrics:  metrics.New(registry),
		Gatherer: registry,

		DBHealth:    postgres.NewHealthChecker(pool),
		CORSOrigins: cfg.CORSOrigins,
	}

	if cfg.RateLimitRPS > 0 {
		rl := ratelimit.New(ratelimit.Config{
			RequestsPerSecond: float64(cfg.RateLimitRPS),
			Burst:             cfg.RateLimitBurst,
			CleanupInterval:   5 * time.Minute,
		})
		defer rl.Stop()
		srv.RateLimit = rl
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	if cfg.RedisURL != "" {
		results, err := cache.NewResultCache(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer results.Close()
		srv.Results = results
		srv.CacheHealth = results
		logger.Info("result cache enabled", "ttl", cfg.CacheTTL)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting skuad", "addr", httpServer.Addr, "env", cfg.AppEnv)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("skuad shutdown complete")
	return nil
}
