// skua-scheduler turns cron schedules into queued runs. Any number of
// replicas may run at once: each due schedule is fired inside a row-locked
// transaction, so exactly one replica enqueues the run and advances
// next_run_at.
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
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/postgres"
	"github.com/skua-data/skua/internal/scheduler"
	"github.com/skua-data/skua/internal/tracing"
)

func main() {
	cfg, err := config.LoadScheduler()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("skua-scheduler exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Scheduler, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "skua-scheduler", cfg.OTLPEndpoint, cfg.AppEnv)
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

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, "skua-scheduler")
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	sched := scheduler.New(postgres.NewScheduleStore(pool), m, logger,
		cfg.SchedulerID, cfg.PollInterval)

	g, ctx := errgroup.WithContext(ctx)

	// Optional metrics listener for scrape targets that cannot reach skuad.
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
		sched.Start(ctx)
		logger.Info("scheduler started",
			"scheduler_id", cfg.SchedulerID, "poll_interval", cfg.PollInterval)
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("skua-scheduler shutdown complete")
	return nil
}
