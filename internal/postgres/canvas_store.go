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

// CanvasStore implements api.CanvasStore backed by Postgres.
type CanvasStore struct {
	pool *pgxpool.Pool
}

// NewCanvasStore creates a CanvasStore backed by the given pool.
func NewCanvasStore(pool *pgxpool.Pool) *CanvasStore {
	return &CanvasStore{pool: pool}
}

const canvasColumns = `id, org_id, name, nodes, edges, created_by, created_at, updated_at`

func scanCanvas(row pgx.Row) (*domain.Canvas, error) {
	var c domain.Canvas
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Nodes, &c.Edges, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan canvas: %w", err)
	}
	return &c, nil
}

func (s *CanvasStore) CreateCanvas(ctx context.Context, c *domain.Canvas) error {
	if len(c.Nodes) == 0 {
		c.Nodes = []byte(`[]`)
	}
	if len(c.Edges) == 0 {
		c.Edges = []byte(`[]`)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO canvases (org_id, name, nodes, edges, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		c.OrgID, c.Name, []byte(c.Nodes), []byte(c.Edges), c.CreatedBy).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create canvas: %w", err)
	}
	return nil
}

func (s *CanvasStore) GetCanvas(ctx context.Context, orgID, id uuid.UUID) (*domain.Canvas, error) {
	return scanCanvas(s.pool.QueryRow(ctx,
		`SELECT `+canvasColumns+` FROM canvases WHERE org_id = $1 AND id = $2`,
		orgID, id))
}

func (s *CanvasStore) ListCanvases(ctx context.Context, orgID uuid.UUID) ([]domain.Canvas, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+canvasColumns+` FROM canvases
		 WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list canvases: %w", err)
	}
	defer rows.Close()

	result := []domain.Canvas{}
	for rows.Next() {
		var c domain.Canvas
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Nodes, &c.Edges,
			&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan canvas: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *CanvasStore) UpdateCanvas(ctx context.Context, c *domain.Canvas) error {
	if len(c.Nodes) == 0 {
		c.Nodes = []byte(`[]`)
	}
	if len(c.Edges) == 0 {
		c.Edges = []byte(`[]`)
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE canvases SET name = $3, nodes = $4, edges = $5, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		c.OrgID, c.ID, c.Name, []byte(c.Nodes), []byte(c.Edges)).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("update canvas: %w", err)
	}
	return nil
}

func (s *CanvasStore) DeleteCanvas(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM canvases WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete canvas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
