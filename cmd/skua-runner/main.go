// skua-runner claims queued runs, executes them against tenant datasources,
// and writes results back to Postgres. Replicas scale horizontally: claims go
// through FOR UPDATE SKIP LOCKED, so no two runners pick up the same run.
//
// One replica at a time also runs the maintenance sweeps (orphaned-run
// reclamation, expired-result deletion), chosen by a Postgres advisory lock.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skua-data/skua/internal/api"
	"github.com/skua-data/skua/internal/config"
	"github.com/skua-data/skua/internal/connector"
	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/leader"
	"github.com/skua-data/skua/internal/limiter"
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/postgres"
	"github.com/skua-data/skua/internal/reaper"
	"github.com/skua-data/skua/internal/runner"
	"github.com/skua-data/skua/internal/tracing"
)

func main() {
	cfg, err := config.LoadRunner()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("skua-runner exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Runner, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "skua-runner", cfg.OTLPEndpoint, cfg.AppEnv)
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

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, "skua-runner")
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	key, err := crypto.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	runStore := postgres.NewRunStore(pool)
	conns := connector.NewManager(logger)
	defer conns.Close()

	r := runner.New(runStore, postgres.NewDatasourceStore(pool), conns, sealer,
		limiter.New(cfg.OrgLimit, cfg.GlobalLimit), m, logger,
		runner.Options{
			ID:            cfg.RunnerID,
			PollInterval:  cfg.PollInterval,
			MaxConcurrent: cfg.MaxConcurrentRuns,
		})

	// Maintenance sweeps run on exactly one replica. The advisory lock picks
	// it; Postgres releases the lock if that replica dies.
	reap := reaper.New(runStore, m, logger, cfg.ReaperInterval)
	tryLock := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
	elector := leader.New(tryLock, leader.RetryInterval, func(ctx context.Context) func() {
		reap.Start(ctx)
		return reap.Stop
	})

	g, ctx := errgroup.WithContext(ctx)

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listener started", "addr", addr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(drainCtx)
		})
	}

	g.Go(func() error {
		r.Start(ctx)
		elector.Start(ctx)
		logger.Info("runner started",
			"runner_id", cfg.RunnerID,
			"poll_interval", cfg.PollInterval,
			"max_concurrent", cfg.MaxConcurrentRuns)
		<-ctx.Done()
		// Stop claiming first, then let in-flight runs drain, then stop sweeps.
		r.Stop()
		elector.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("skua-runner shutdown complete")
	return nil
}
