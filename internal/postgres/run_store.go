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

// RunStore implements run persistence and the cross-process claim protocol.
// The API enqueues, runners claim and finish, the reaper reclaims — all
// through this table, nothing else.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// RunFilter narrows ListRuns. Zero values mean "no filter".
type RunFilter struct {
	QueryID uuid.UUID
	Status  domain.RunStatus
	Limit   int
}

const runColumns = `id, org_id, query_id, datasource_id, status, executed_sql,
       parameters, timeout_seconds, max_rows, error_message, runner_id,
       scheduled_by, created_by, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		r      domain.Run
		params []byte
	)
	err := row.Scan(&r.ID, &r.OrgID, &r.QueryID, &r.DatasourceID, &r.Status,
		&r.ExecutedSQL, &params, &r.TimeoutSeconds, &r.MaxRows,
		&r.ErrorMessage, &r.RunnerID, &r.ScheduledBy, &r.CreatedBy,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if r.Parameters, err = unmarshalTypedValues(params); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RunStore) CreateRun(ctx context.Context, run *domain.Run) error {
	params, err := marshalTypedValues(run.Parameters)
	if err != nil {
		return err
	}
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO runs (org_id, query_id, datasource_id, status, executed_sql,
		                   parameters, timeout_seconds, max_rows, error_message,
		                   scheduled_by, created_by, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		run.OrgID, run.QueryID, run.DatasourceID, run.Status, run.ExecutedSQL,
		params, run.TimeoutSeconds, run.MaxRows, run.ErrorMessage,
		run.ScheduledBy, run.CreatedBy, run.FinishedAt).
		Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, orgID, id uuid.UUID) (*domain.Run, error) {
	return scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE org_id = $1 AND id = $2`, orgID, id))
}

func (s *RunStore) ListRuns(ctx context.Context, orgID uuid.UUID, filter RunFilter) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE org_id = $1`
	args := []any{orgID}

	if filter.QueryID != uuid.Nil {
		query += fmt.Sprintf(" AND query_id = $%d", len(args)+1)
		args = append(args, filter.QueryID)
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []domain.Run{}
	for rows.Next() {
		var (
			r      domain.Run
			params []byte
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.QueryID, &r.DatasourceID, &r.Status,
			&r.ExecutedSQL, &params, &r.TimeoutSeconds, &r.MaxRows,
			&r.ErrorMessage, &r.RunnerID, &r.ScheduledBy, &r.CreatedBy,
			&r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.Parameters, err = unmarshalTypedValues(params); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ClaimRun atomically takes the oldest queued run for runnerID. The
// SKIP LOCKED subquery guarantees two runners never claim the same row.
// Returns (nil, nil) when the queue is empty.
func (s *RunStore) ClaimRun(ctx context.Context, runnerID string) (*domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = 'running', runner_id = $1, started_at = now()
		 WHERE id = (
		     SELECT id FROM runs
		     WHERE status = 'queued'
		     ORDER BY created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+runColumns,
		runnerID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// ReturnToQueue undoes a claim that failed admission: the run goes back to
// queued untouched so another slot or runner picks it up. Conditional on
// running so a concurrent cancel is not overwritten.
func (s *RunStore) ReturnToQueue(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'queued', runner_id = NULL, started_at = NULL
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("return run to queue: %w", err)
	}
	return nil
}

// CompleteRun flips a running run to completed and inserts its result row in
// the same transaction. Returns false without inserting when the run is no
// longer running (a concurrent cancel won).
func (s *RunStore) CompleteRun(ctx context.Context, result *domain.RunResult) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'completed', finished_at = now()
		 WHERE id = $1 AND status = 'running'`, result.RunID)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	columns, err := marshalResultColumns(result.Columns)
	if err != nil {
		return false, err
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO run_results (run_id, org_id, columns, rows, row_count,
		                          byte_size, runtime_ms, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		result.RunID, result.OrgID, columns, result.Rows, result.RowCount,
		result.ByteSize, result.RuntimeMS, result.ExpiresAt).
		Scan(&result.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert run result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit complete tx: %w", err)
	}
	return true, nil
}

// FinishRun flips a running run to a non-completed terminal status (failed or
// timeout). Returns false when the run already left running.
func (s *RunStore) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg string) (bool, error) {
	if status != domain.RunStatusFailed && status != domain.RunStatusTimeout {
		return false, fmt.Errorf("finish run: status %q is not a failure status", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, error_message = $3, finished_at = now()
		 WHERE id = $1 AND status = 'running'`, id, status, errMsg)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelRun transitions a queued or running run to cancelled. Terminal runs
// report a conflict.
func (s *RunStore) CancelRun(ctx context.Context, orgID, id uuid.UUID) (*domain.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE runs SET status = 'cancelled', finished_at = now()
		 WHERE org_id = $1 AND id = $2 AND status IN ('queued', 'running')
		 RETURNING `+runColumns,
		orgID, id))
	if errors.Is(err, domain.ErrNotFound) {
		// Distinguish "no such run" from "already terminal".
		existing, getErr := s.GetRun(ctx, orgID, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, domain.Ef(domain.ErrConflict, "run is already %s", existing.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	return run, nil
}

// SweepOrphans makes crashed runners' claims terminal: any run still running
// past its timeout plus grace becomes timeout. Returns the number reclaimed.
func (s *RunStore) SweepOrphans(ctx context.Context, grace time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'timeout',
		     error_message = 'run abandoned: runner did not report a result',
		     finished_at = now()
		 WHERE status = 'running'
		   AND started_at < now() - (timeout_seconds + $1) * interval '1 second'`,
		int(grace.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("sweep orphan runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredResults drops result rows past their retention window. The
// run rows stay.
func (s *RunStore) DeleteExpiredResults(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM run_results WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetRunResult fetches the stored result of a completed run. Expired or
// never-produced results report not found.
func (s *RunStore) GetRunResult(ctx context.Context, orgID, runID uuid.UUID) (*domain.RunResult, error) {
	var (
		res     domain.RunResult
		columns []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, org_id, columns, rows, row_count, byte_size, runtime_ms,
		        created_at, expires_at
		 FROM run_results
		 WHERE org_id = $1 AND run_id = $2 AND expires_at > now()`,
		orgID, runID).
		Scan(&res.RunID, &res.OrgID, &columns, &res.Rows, &res.RowCount,
			&res.ByteSize, &res.RuntimeMS, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get run result: %w", err)
	}
	if res.Columns, err = unmarshalResultColumns(columns); err != nil {
		return nil, err
	}
	return &res, nil
}
