// Package runner executes queued runs against tenant datasources. It is the
// core of skua-runner: a claim loop pulls queued runs from Postgres with
// SKIP LOCKED, admission limits bound per-org and global concurrency, and
// each run executes under its own timeout. Runners share no state beyond the
// runs table, so replicas scale horizontally.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/connector"
	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/limiter"
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/params"
)

// RunStore is the slice of run persistence the runner needs.
type RunStore interface {
	ClaimRun(ctx context.Context, runnerID string) (*domain.Run, error)
	ReturnToQueue(ctx context.Context, id uuid.UUID) error
	CompleteRun(ctx context.Context, result *domain.RunResult) (bool, error)
	FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg string) (bool, error)
}

// DatasourceStore loads the datasource a claimed run targets.
type DatasourceStore interface {
	GetDatasource(ctx context.Context, orgID, id uuid.UUID) (*domain.Datasource, error)
}

// ConnProvider vends live tenant connections. Implemented by
// connector.Manager.
type ConnProvider interface {
	Get(ds *domain.Datasource, dsn string) (connector.Connector, error)
}

// Options configures a Runner.
type Options struct {
	ID           string
	PollInterval time.Duration
	// MaxConcurrent caps runs executing on this replica at once.
	MaxConcurrent int
}

// Runner claims and executes queued runs.
type Runner struct {
	opts      Options
	runs      RunStore
	sources   DatasourceStore
	conns     ConnProvider
	sealer    *crypto.Sealer
	admission *limiter.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	slots  chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Runner. m may be nil.
func New(runs RunStore, sources DatasourceStore, conns ConnProvider, sealer *crypto.Sealer,
	admission *limiter.Limiter, m *metrics.Metrics, logger *slog.Logger, opts Options) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Runner{
		opts:      opts,
		runs:      runs,
		sources:   sources,
		conns:     conns,
		sealer:    sealer,
		admission: admission,
		metrics:   m,
		logger:    logger.With("component", "runner", "runner_id", opts.ID),
		slots:     make(chan struct{}, opts.MaxConcurrent),
	}
}

// Start begins the claim loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()

		r.drainQueue(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.drainQueue(ctx)
			}
		}
	}()
}

// Stop halts claiming and waits for in-flight runs to finish. Runs already
// executing complete normally; their terminal writes use a fresh context.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
	r.wg.Wait()
}

// drainQueue claims runs until the queue is empty or all slots are busy.
func (r *Runner) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r.slots <- struct{}{}:
		default:
			return // all slots busy; next poll retries
		}

		run, err := r.claimOne(ctx)
		if err != nil {
			r.logger.Error("claim run", "error", err)
			<-r.slots
			return
		}
		if run == nil {
			<-r.slots
			return
		}
	}
}

// claimOne claims a single run and dispatches it, holding a slot that the
// execution goroutine releases. Returns (nil, nil) when the queue is empty.
func (r *Runner) claimOne(ctx context.Context) (*domain.Run, error) {
	run, err := r.runs.ClaimRun(ctx, r.opts.ID)
	if err != nil || run == nil {
		return nil, err
	}

	guard, err := r.admission.Acquire(run.OrgID)
	if err != nil {
		// Over the concurrency cap: hand the run back untouched.
		scope := "org"
		if errors.Is(err, limiter.ErrGlobalLimit) {
			scope = "global"
		}
		if r.metrics != nil {
			r.metrics.IncAdmissionRejection(scope)
		}
		r.logger.Debug("admission rejected, run returned to queue",
			"run_id", run.ID, "org_id", run.OrgID, "scope", scope)
		if retErr := r.runs.ReturnToQueue(ctx, run.ID); retErr != nil {
			r.logger.Error("return run to queue", "run_id", run.ID, "error", retErr)
		}
		return nil, nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		defer guard.Release()
		r.execute(run)
	}()
	return run, nil
}

// execute runs one claimed run to a terminal state. It deliberately does not
// inherit the claim loop's context: a draining runner finishes what it
// claimed.
func (r *Runner) execute(run *domain.Run) {
	started := time.Now()
	if r.metrics != nil {
		done := r.metrics.RunStarted()
		defer done()
	}

	status, errMsg := r.executeOnce(run, started)
	if r.metrics != nil {
		r.metrics.ObserveRun(string(status), time.Since(started))
	}
	if errMsg != "" {
		r.finish(run, status, errMsg)
	}
}

// executeOnce performs the datasource round trip and the terminal write for
// the success path. It returns a non-empty errMsg when the caller still owes
// a FinishRun.
func (r *Runner) executeOnce(run *domain.Run, started time.Time) (domain.RunStatus, string) {
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelWrite()

	ds, err := r.sources.GetDatasource(writeCtx, run.OrgID, run.DatasourceID)
	if err != nil {
		return domain.RunStatusFailed, fmt.Sprintf("load datasource: %v", err)
	}
	dsn, err := r.sealer.Decrypt(ds.EncryptedDSN)
	if err != nil {
		return domain.RunStatusFailed, "unseal datasource credentials"
	}
	conn, err := r.conns.Get(ds, dsn)
	if err != nil {
		return domain.RunStatusFailed, fmt.Sprintf("connect to datasource: %v", err)
	}
	args, err := params.Values(run.Parameters)
	if err != nil {
		return domain.RunStatusFailed, fmt.Sprintf("materialize parameters: %v", err)
	}

	execCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(run.TimeoutSeconds)*time.Second)
	defer cancel()

	res, err := conn.Execute(execCtx, run.ExecutedSQL, args, run.MaxRows)
	if err != nil {
		if execCtx.Err() != nil {
			return domain.RunStatusTimeout,
				fmt.Sprintf("query exceeded the %ds timeout", run.TimeoutSeconds)
		}
		return domain.RunStatusFailed, err.Error()
	}

	result, err := buildResult(run, res, time.Since(started))
	if err != nil {
		return domain.RunStatusFailed, fmt.Sprintf("encode result: %v", err)
	}
	ok, err := r.runs.CompleteRun(writeCtx, result)
	if err != nil {
		return domain.RunStatusFailed, fmt.Sprintf("persist result: %v", err)
	}
	if !ok {
		// A concurrent cancel won the status race; the result is discarded.
		r.logger.Info("run finished after cancellation, result dropped", "run_id", run.ID)
		return domain.RunStatusCancelled, ""
	}
	r.logger.Info("run completed", "run_id", run.ID,
		"rows", result.RowCount, "runtime_ms", result.RuntimeMS)
	return domain.RunStatusCompleted, ""
}

// finish records a non-completed terminal status. Losing the conditional
// update to a concurrent cancel is fine.
func (r *Runner) finish(run *domain.Run, status domain.RunStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ok, err := r.runs.FinishRun(ctx, run.ID, status, errMsg)
	if err != nil {
		r.logger.Error("record run failure", "run_id", run.ID, "error", err)
		return
	}
	if ok {
		r.logger.Warn("run failed", "run_id", run.ID, "status", status, "error", errMsg)
	}
}

// buildResult encodes a driver result into the stored row payload.
func buildResult(run *domain.Run, res *connector.Result, elapsed time.Duration) (*domain.RunResult, error) {
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	rows, err := json.Marshal(res.Rows)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &domain.RunResult{
		RunID:     run.ID,
		OrgID:     run.OrgID,
		Columns:   res.Columns,
		Rows:      rows,
		RowCount:  len(res.Rows),
		ByteSize:  len(rows),
		RuntimeMS: elapsed.Milliseconds(),
		CreatedAt: now,
		ExpiresAt: now.Add(domain.ResultRetention),
	}, nil
}
