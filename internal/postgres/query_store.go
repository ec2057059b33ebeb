package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skua-data/skua/internal/domain"
)

// QueryStore implements api.QueryStore backed by Postgres.
type QueryStore struct {
	pool *pgxpool.Pool
}

// NewQueryStore creates a QueryStore backed by the given pool.
func NewQueryStore(pool *pgxpool.Pool) *QueryStore {
	return &QueryStore{pool: pool}
}

// QueryFilter narrows ListQueries. Zero values mean "no filter"; Limit 0
// means the default page size.
type QueryFilter struct {
	Tag    string
	Limit  int
	Offset int
}

const queryColumns = `id, org_id, datasource_id, name, description, sql, parameters,
       tags, timeout_seconds, max_rows, created_by, created_at, updated_at`

func scanQuery(row pgx.Row) (*domain.Query, error) {
	var (
		q      domain.Query
		params []byte
	)
	err := row.Scan(&q.ID, &q.OrgID, &q.DatasourceID, &q.Name, &q.Description,
		&q.SQL, &params, &q.Tags, &q.TimeoutSeconds, &q.MaxRows,
		&q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan query: %w", err)
	}
	if q.Parameters, err = unmarshalParamDefs(params); err != nil {
		return nil, err
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	return &q, nil
}

func (s *QueryStore) CreateQuery(ctx context.Context, q *domain.Query) error {
	params, err := marshalParamDefs(q.Parameters)
	if err != nil {
		return err
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO queries (org_id, datasource_id, name, description, sql,
		                      parameters, tags, timeout_seconds, max_rows, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		q.OrgID, q.DatasourceID, q.Name, q.Description, q.SQL,
		params, q.Tags, q.TimeoutSeconds, q.MaxRows, q.CreatedBy).
		Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.E(domain.ErrKindNotFound, "datasource not found")
		}
		return fmt.Errorf("create query: %w", err)
	}
	return nil
}

func (s *QueryStore) GetQuery(ctx context.Context, orgID, id uuid.UUID) (*domain.Query, error) {
	return scanQuery(s.pool.QueryRow(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE org_id = $1 AND id = $2`,
		orgID, id))
}

// ListQueries returns saved queries newest first, excluding the hidden
// ad-hoc sentinel rows.
func (s *QueryStore) ListQueries(ctx context.Context, orgID uuid.UUID, filter QueryFilter) ([]domain.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE org_id = $1 AND name <> $2`
	args := []any{orgID, domain.AdhocQueryName}

	if filter.Tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args)+1)
		args = append(args, filter.Tag)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()
	return collectQueries(rows)
}

// FindQueryByName resolves a saved query by exact name, used by import to
// detect duplicates.
func (s *QueryStore) FindQueryByName(ctx context.Context, orgID uuid.UUID, name string) (*domain.Query, error) {
	return scanQuery(s.pool.QueryRow(ctx,
		`SELECT `+queryColumns+` FROM queries
		 WHERE org_id = $1 AND name = $2
		 ORDER BY created_at LIMIT 1`,
		orgID, name))
}

func (s *QueryStore) UpdateQuery(ctx context.Context, q *domain.Query) error {
	params, err := marshalParamDefs(q.Parameters)
	if err != nil {
		return err
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE queries
		 SET datasource_id = $3, name = $4, description = $5, sql = $6,
		     parameters = $7, tags = $8, timeout_seconds = $9, max_rows = $10,
		     updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		q.OrgID, q.ID, q.DatasourceID, q.Name, q.Description, q.SQL,
		params, q.Tags, q.TimeoutSeconds, q.MaxRows).Scan(&q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if isForeignKeyViolation(err) {
			return domain.E(domain.ErrKindNotFound, "datasource not found")
		}
		return fmt.Errorf("update query: %w", err)
	}
	return nil
}

// DeleteQuery removes a query; schedules, runs, and visualizations cascade.
func (s *QueryStore) DeleteQuery(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queries WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func collectQueries(rows pgx.Rows) ([]domain.Query, error) {
	result := []domain.Query{}
	for rows.Next() {
		var (
			q      domain.Query
			params []byte
		)
		if err := rows.Scan(&q.ID, &q.OrgID, &q.DatasourceID, &q.Name, &q.Description,
			&q.SQL, &params, &q.Tags, &q.TimeoutSeconds, &q.MaxRows,
			&q.CreatedBy, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		defs, err := unmarshalParamDefs(params)
		if err != nil {
			return nil, err
		}
		q.Parameters = defs
		if q.Tags == nil {
			q.Tags = []string{}
		}
		result = append(result, q)
	}
	return result, rows.Err()
}
