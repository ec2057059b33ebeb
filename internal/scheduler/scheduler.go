// Package scheduler turns due cron schedules into queued runs. It is the
// core of skua-scheduler: every poll it scans for due schedules and fires
// each one through a row-locked transaction, so any number of scheduler
// replicas can run concurrently without double-firing.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/cronspec"
	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/params"
	"github.com/skua-data/skua/internal/postgres"
)

// Store is the slice of schedule persistence the scheduler needs.
type Store interface {
	ListDueScheduleIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	FireSchedule(ctx context.Context, id uuid.UUID, now time.Time, plan postgres.PlanFunc) (postgres.FireOutcome, error)
}

// Scheduler polls for due schedules and fires them.
type Scheduler struct {
	store    Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	id       string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. id names this replica in logs; m may be nil.
func New(store Store, m *metrics.Metrics, logger *slog.Logger, id string, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		metrics:  m,
		logger:   logger.With("component", "scheduler", "scheduler_id", id),
		interval: interval,
		id:       id,
	}
}

// Start begins the polling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the polling loop and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Tick fires every due schedule once. Exported so tests can drive the
// scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	ids, err := s.store.ListDueScheduleIDs(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules", "error", err)
		return
	}

	for _, id := range ids {
		outcome, err := s.store.FireSchedule(ctx, id, now, s.plan(now))
		if err != nil {
			s.logger.Error("fire schedule", "schedule_id", id, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.IncScheduleFire(string(outcome))
		}
		switch outcome {
		case postgres.FireEnqueued:
			s.logger.Info("schedule fired", "schedule_id", id)
		case postgres.FireBindFailed:
			s.logger.Warn("schedule parameters no longer bind; recorded failed run", "schedule_id", id)
		case postgres.FireMissingQuery:
			s.logger.Warn("schedule references a deleted query", "schedule_id", id)
		case postgres.FireInitialized:
			s.logger.Debug("schedule initialized", "schedule_id", id)
		}
	}
}

// plan decides what a locked, due schedule should do. A schedule seen for
// the first time (next_run_at NULL) is only initialized; a due one gets a
// queued run with parameters bound against the current query schema. When
// binding fails — the query changed underneath the schedule — a born-failed
// run records the error so the failure is visible in run history, and the
// schedule still advances instead of retrying forever.
func (s *Scheduler) plan(now time.Time) postgres.PlanFunc {
	return func(sch *domain.Schedule, q *domain.Query) (*postgres.FirePlan, error) {
		next, err := cronspec.Next(sch.CronExpression, now)
		if err != nil {
			return nil, err
		}
		if sch.NextRunAt == nil {
			return &postgres.FirePlan{NextRunAt: next}, nil
		}

		run := &domain.Run{
			OrgID:          sch.OrgID,
			QueryID:        q.ID,
			DatasourceID:   q.DatasourceID,
			TimeoutSeconds: q.TimeoutSeconds,
			MaxRows:        q.MaxRows,
			ScheduledBy:    &sch.ID,
		}

		var supplied map[string]json.RawMessage
		if len(sch.Parameters) > 0 {
			if err := json.Unmarshal(sch.Parameters, &supplied); err != nil {
				return nil, err
			}
		}

		positionalSQL, values, bindErr := params.Bind(q.SQL, q.Parameters, supplied)
		if bindErr != nil {
			msg := bindErr.Error()
			run.Status = domain.RunStatusFailed
			run.ErrorMessage = &msg
			run.FinishedAt = &now
		} else {
			run.Status = domain.RunStatusQueued
			run.ExecutedSQL = positionalSQL
			run.Parameters = values
		}
		return &postgres.FirePlan{Run: run, NextRunAt: next}, nil
	}
}
