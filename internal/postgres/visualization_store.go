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

// VisualizationStore implements api.VisualizationStore backed by Postgres.
type VisualizationStore struct {
	pool *pgxpool.Pool
}

// NewVisualizationStore creates a VisualizationStore backed by the given pool.
func NewVisualizationStore(pool *pgxpool.Pool) *VisualizationStore {
	return &VisualizationStore{pool: pool}
}

const visualizationColumns = `id, org_id, query_id, name, kind, options, created_at, updated_at`

func scanVisualization(row pgx.Row) (*domain.Visualization, error) {
	var v domain.Visualization
	err := row.Scan(&v.ID, &v.OrgID, &v.QueryID, &v.Name, &v.Kind, &v.Options,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan visualization: %w", err)
	}
	return &v, nil
}

func (s *VisualizationStore) CreateVisualization(ctx context.Context, v *domain.Visualization) error {
	if len(v.Options) == 0 {
		v.Options = []byte(`{}`)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO visualizations (org_id, query_id, name, kind, options)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		v.OrgID, v.QueryID, v.Name, v.Kind, []byte(v.Options)).
		Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.E(domain.ErrKindNotFound, "query not found")
		}
		return fmt.Errorf("create visualization: %w", err)
	}
	return nil
}

func (s *VisualizationStore) GetVisualization(ctx context.Context, orgID, id uuid.UUID) (*domain.Visualization, error) {
	return scanVisualization(s.pool.QueryRow(ctx,
		`SELECT `+visualizationColumns+` FROM visualizations
		 WHERE org_id = $1 AND id = $2`, orgID, id))
}

// ListVisualizations returns the org's visualizations newest first,
// optionally narrowed to one query.
func (s *VisualizationStore) ListVisualizations(ctx context.Context, orgID, queryID uuid.UUID) ([]domain.Visualization, error) {
	query := `SELECT ` + visualizationColumns + ` FROM visualizations WHERE org_id = $1`
	args := []any{orgID}
	if queryID != uuid.Nil {
		query += " AND query_id = $2"
		args = append(args, queryID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visualizations: %w", err)
	}
	defer rows.Close()

	result := []domain.Visualization{}
	for rows.Next() {
		var v domain.Visualization
		if err := rows.Scan(&v.ID, &v.OrgID, &v.QueryID, &v.Name, &v.Kind,
			&v.Options, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan visualization: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *VisualizationStore) UpdateVisualization(ctx context.Context, v *domain.Visualization) error {
	if len(v.Options) == 0 {
		v.Options = []byte(`{}`)
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE visualizations
		 SET name = $3, kind = $4, options = $5, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		v.OrgID, v.ID, v.Name, v.Kind, []byte(v.Options)).Scan(&v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("update visualization: %w", err)
	}
	return nil
}

func (s *VisualizationStore) DeleteVisualization(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM visualizations WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete visualization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
