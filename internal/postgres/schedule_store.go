package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skua-data/skua/internal/domain"
)

// ScheduleStore implements schedule persistence plus the locked fire
// transaction the scheduler processes coordinate through.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

// NewScheduleStore creates a ScheduleStore backed by the given pool.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

const scheduleColumns = `id, org_id, query_id, cron_expression, parameters, enabled,
       last_run_at, next_run_at, created_by, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var sch domain.Schedule
	err := row.Scan(&sch.ID, &sch.OrgID, &sch.QueryID, &sch.CronExpression,
		&sch.Parameters, &sch.Enabled, &sch.LastRunAt, &sch.NextRunAt,
		&sch.CreatedBy, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &sch, nil
}

func (s *ScheduleStore) CreateSchedule(ctx context.Context, sch *domain.Schedule) error {
	if len(sch.Parameters) == 0 {
		sch.Parameters = []byte(`{}`)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO schedules (org_id, query_id, cron_expression, parameters,
		                        enabled, next_run_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		sch.OrgID, sch.QueryID, sch.CronExpression, []byte(sch.Parameters),
		sch.Enabled, sch.NextRunAt, sch.CreatedBy).
		Scan(&sch.ID, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.E(domain.ErrKindNotFound, "query not found")
		}
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) GetSchedule(ctx context.Context, orgID, id uuid.UUID) (*domain.Schedule, error) {
	return scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE org_id = $1 AND id = $2`,
		orgID, id))
}

func (s *ScheduleStore) ListSchedules(ctx context.Context, orgID uuid.UUID) ([]domain.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	result := []domain.Schedule{}
	for rows.Next() {
		var sch domain.Schedule
		if err := rows.Scan(&sch.ID, &sch.OrgID, &sch.QueryID, &sch.CronExpression,
			&sch.Parameters, &sch.Enabled, &sch.LastRunAt, &sch.NextRunAt,
			&sch.CreatedBy, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		result = append(result, sch)
	}
	return result, rows.Err()
}

// UpdateSchedule persists cron expression, parameters, enabled, and the
// caller-recomputed next_run_at in one statement.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sch *domain.Schedule) error {
	if len(sch.Parameters) == 0 {
		sch.Parameters = []byte(`{}`)
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE schedules
		 SET cron_expression = $3, parameters = $4, enabled = $5,
		     next_run_at = $6, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		sch.OrgID, sch.ID, sch.CronExpression, []byte(sch.Parameters),
		sch.Enabled, sch.NextRunAt).Scan(&sch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("update schedule: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips the enabled flag. nextRunAt must be non-nil when
// enabling and nil when disabling.
func (s *ScheduleStore) SetScheduleEnabled(ctx context.Context, orgID, id uuid.UUID, enabled bool, nextRunAt *time.Time) (*domain.Schedule, error) {
	return scanSchedule(s.pool.QueryRow(ctx,
		`UPDATE schedules SET enabled = $3, next_run_at = $4, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING `+scheduleColumns,
		orgID, id, enabled, nextRunAt))
}

func (s *ScheduleStore) DeleteSchedule(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schedules WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDueScheduleIDs returns the ids of enabled schedules whose next fire
// time has passed (or was never initialized). The ids are re-checked under a
// row lock in FireSchedule, so this scan can be loose.
func (s *ScheduleStore) ListDueScheduleIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM schedules
		 WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		 ORDER BY next_run_at NULLS FIRST`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schedule id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FireOutcome classifies one FireSchedule attempt.
type FireOutcome string

const (
	// FireSkipped means a concurrent scheduler holds the row or it is no
	// longer due.
	FireSkipped FireOutcome = "skipped"
	// FireMissingQuery means the schedule's query is gone; nothing advanced.
	FireMissingQuery FireOutcome = "missing_query"
	// FireInitialized means next_run_at was NULL and has been set without
	// enqueueing a run.
	FireInitialized FireOutcome = "initialized"
	// FireEnqueued means a queued run was inserted and the schedule advanced.
	FireEnqueued FireOutcome = "enqueued"
	// FireBindFailed means parameter binding failed; a born-failed run
	// records the error and the schedule still advanced.
	FireBindFailed FireOutcome = "bind_failed"
)

// FirePlan is what the scheduler decides to do with a locked, due schedule.
// A nil Run initializes next_run_at only.
type FirePlan struct {
	Run       *domain.Run
	NextRunAt time.Time
}

// PlanFunc computes the fire plan for a locked schedule and its query. It
// runs inside the fire transaction and must not touch the database.
type PlanFunc func(sch *domain.Schedule, q *domain.Query) (*FirePlan, error)

// FireSchedule executes one due schedule in its own transaction: re-select
// the row FOR UPDATE SKIP LOCKED re-checking dueness, load the query, apply
// the plan (insert the run, if any, and advance the schedule), commit. The
// row lock makes each fire exactly-once across concurrent schedulers.
func (s *ScheduleStore) FireSchedule(ctx context.Context, id uuid.UUID, now time.Time, plan PlanFunc) (FireOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FireSkipped, fmt.Errorf("begin fire tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	sch, err := scanSchedule(tx.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE id = $1 AND enabled AND (next_run_at IS NULL OR next_run_at <= $2)
		 FOR UPDATE SKIP LOCKED`, id, now))
	if errors.Is(err, domain.ErrNotFound) {
		return FireSkipped, nil
	}
	if err != nil {
		return FireSkipped, err
	}

	q, err := scanQuery(tx.QueryRow(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE org_id = $1 AND id = $2`,
		sch.OrgID, sch.QueryID))
	if errors.Is(err, domain.ErrNotFound) {
		return FireMissingQuery, nil
	}
	if err != nil {
		return FireSkipped, err
	}

	fp, err := plan(sch, q)
	if err != nil {
		return FireSkipped, fmt.Errorf("plan schedule fire: %w", err)
	}

	outcome := FireInitialized
	if fp.Run != nil {
		params, err := marshalTypedValues(fp.Run.Parameters)
		if err != nil {
			return FireSkipped, err
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO runs (org_id, query_id, datasource_id, status, executed_sql,
			                   parameters, timeout_seconds, max_rows, error_message,
			                   scheduled_by, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id, created_at`,
			fp.Run.OrgID, fp.Run.QueryID, fp.Run.DatasourceID, fp.Run.Status,
			fp.Run.ExecutedSQL, params, fp.Run.TimeoutSeconds, fp.Run.MaxRows,
			fp.Run.ErrorMessage, fp.Run.ScheduledBy, fp.Run.FinishedAt).
			Scan(&fp.Run.ID, &fp.Run.CreatedAt)
		if err != nil {
			return FireSkipped, fmt.Errorf("insert scheduled run: %w", err)
		}

		if fp.Run.Status == domain.RunStatusQueued {
			outcome = FireEnqueued
		} else {
			outcome = FireBindFailed
		}
		_, err = tx.Exec(ctx,
			`UPDATE schedules SET last_run_at = $2, next_run_at = $3, updated_at = now()
			 WHERE id = $1`, sch.ID, now, fp.NextRunAt)
		if err != nil {
			return FireSkipped, fmt.Errorf("advance schedule: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE schedules SET next_run_at = $2, updated_at = now()
			 WHERE id = $1`, sch.ID, fp.NextRunAt)
		if err != nil {
			return FireSkipped, fmt.Errorf("initialize schedule: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return FireSkipped, fmt.Errorf("commit fire tx: %w", err)
	}
	return outcome, nil
}
