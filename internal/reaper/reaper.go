// Package reaper runs the periodic maintenance sweeps of the runs table:
// reclaiming runs orphaned by crashed runners and deleting result payloads
// past their retention window. It runs inside skua-runner, gated by leader
// election so only one replica sweeps at a time.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/skua-data/skua/internal/metrics"
)

// OrphanGrace is how far past its timeout a running run may be before the
// sweep declares its runner dead. Generous so a slow but alive runner's
// terminal write still wins the conditional update.
const OrphanGrace = 2 * time.Minute

// Store is the slice of run persistence the reaper needs.
type Store interface {
	// SweepOrphans flips running runs stuck past timeout+grace to timeout.
	SweepOrphans(ctx context.Context, grace time.Duration) (int, error)
	// DeleteExpiredResults drops result rows past retention; run rows stay.
	DeleteExpiredResults(ctx context.Context) (int, error)
}

// Reaper periodically sweeps orphaned runs and expired results.
type Reaper struct {
	store    Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. m may be nil.
func New(store Store, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		metrics:  m,
		logger:   logger.With("component", "reaper"),
		interval: interval,
	}
}

// Start begins the background sweep goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Tick runs both sweeps once. Each task is isolated: a failure or panic in
// one does not prevent the other from running.
func (r *Reaper) Tick(ctx context.Context) {
	r.safeRun("orphan_runs", func() {
		n, err := r.store.SweepOrphans(ctx, OrphanGrace)
		if err != nil {
			r.logger.Error("sweep orphaned runs", "error", err)
			return
		}
		if n > 0 {
			r.logger.Warn("reclaimed orphaned runs", "count", n)
		}
		if r.metrics != nil {
			r.metrics.AddReaperReclaimed("orphan_runs", n)
		}
	})

	r.safeRun("expired_results", func() {
		n, err := r.store.DeleteExpiredResults(ctx)
		if err != nil {
			r.logger.Error("delete expired results", "error", err)
			return
		}
		if n > 0 {
			r.logger.Info("deleted expired results", "count", n)
		}
		if r.metrics != nil {
			r.metrics.AddReaperReclaimed("expired_results", n)
		}
	})
}

// safeRun executes fn with panic recovery to isolate task failures.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sweep task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
