package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skua-data/skua/internal/domain"
)

// DashboardStore implements api.DashboardStore backed by Postgres.
type DashboardStore struct {
	pool *pgxpool.Pool
}

// NewDashboardStore creates a DashboardStore backed by the given pool.
func NewDashboardStore(pool *pgxpool.Pool) *DashboardStore {
	return &DashboardStore{pool: pool}
}

const dashboardColumns = `id, org_id, name, slug, created_by, created_at, updated_at`

func scanDashboard(row pgx.Row) (*domain.Dashboard, error) {
	var d domain.Dashboard
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &d.Slug, &d.CreatedBy,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan dashboard: %w", err)
	}
	return &d, nil
}

func (s *DashboardStore) CreateDashboard(ctx context.Context, d *domain.Dashboard) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dashboards (org_id, name, slug, created_by)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		d.OrgID, d.Name, d.Slug, d.CreatedBy).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "dashboard %q already exists", d.Slug)
		}
		return fmt.Errorf("create dashboard: %w", err)
	}
	return nil
}

func (s *DashboardStore) GetDashboard(ctx context.Context, orgID, id uuid.UUID) (*domain.Dashboard, error) {
	return scanDashboard(s.pool.QueryRow(ctx,
		`SELECT `+dashboardColumns+` FROM dashboards WHERE org_id = $1 AND id = $2`,
		orgID, id))
}

func (s *DashboardStore) ListDashboards(ctx context.Context, orgID uuid.UUID) ([]domain.Dashboard, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dashboardColumns+` FROM dashboards
		 WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list dashboards: %w", err)
	}
	defer rows.Close()

	result := []domain.Dashboard{}
	for rows.Next() {
		var d domain.Dashboard
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Name, &d.Slug, &d.CreatedBy,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dashboard: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *DashboardStore) UpdateDashboard(ctx context.Context, d *domain.Dashboard) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE dashboards SET name = $3, slug = $4, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		d.OrgID, d.ID, d.Name, d.Slug).Scan(&d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "dashboard %q already exists", d.Slug)
		}
		return fmt.Errorf("update dashboard: %w", err)
	}
	return nil
}

// DeleteDashboard removes a dashboard; tiles cascade.
func (s *DashboardStore) DeleteDashboard(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dashboards WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete dashboard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const tileColumns = `id, org_id, dashboard_id, visualization_id, position, created_at, updated_at`

func scanTile(row pgx.Row) (*domain.DashboardTile, error) {
	var (
		t   domain.DashboardTile
		pos []byte
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.DashboardID, &t.VisualizationID, &pos,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan dashboard tile: %w", err)
	}
	if err := json.Unmarshal(pos, &t.Position); err != nil {
		return nil, fmt.Errorf("unmarshal tile position: %w", err)
	}
	return &t, nil
}

// AddTile places a visualization on a dashboard. The dashboard and
// visualization must belong to the same org as the tile.
func (s *DashboardStore) AddTile(ctx context.Context, t *domain.DashboardTile) error {
	pos, err := json.Marshal(t.Position)
	if err != nil {
		return fmt.Errorf("marshal tile position: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO dashboard_tiles (org_id, dashboard_id, visualization_id, position)
		 SELECT $1, d.id, v.id, $4
		 FROM dashboards d, visualizations v
		 WHERE d.org_id = $1 AND d.id = $2 AND v.org_id = $1 AND v.id = $3
		 RETURNING id, created_at, updated_at`,
		t.OrgID, t.DashboardID, t.VisualizationID, pos).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.E(domain.ErrKindNotFound, "dashboard or visualization not found")
		}
		return fmt.Errorf("add dashboard tile: %w", err)
	}
	return nil
}

func (s *DashboardStore) ListTiles(ctx context.Context, orgID, dashboardID uuid.UUID) ([]domain.DashboardTile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tileColumns+` FROM dashboard_tiles
		 WHERE org_id = $1 AND dashboard_id = $2 ORDER BY created_at`,
		orgID, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("list dashboard tiles: %w", err)
	}
	defer rows.Close()

	result := []domain.DashboardTile{}
	for rows.Next() {
		var (
			t   domain.DashboardTile
			pos []byte
		)
		if err := rows.Scan(&t.ID, &t.OrgID, &t.DashboardID, &t.VisualizationID,
			&pos, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dashboard tile: %w", err)
		}
		if err := json.Unmarshal(pos, &t.Position); err != nil {
			return nil, fmt.Errorf("unmarshal tile position: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// UpdateTilePosition moves or resizes a tile.
func (s *DashboardStore) UpdateTilePosition(ctx context.Context, orgID, dashboardID, tileID uuid.UUID, position domain.TilePosition) (*domain.DashboardTile, error) {
	pos, err := json.Marshal(position)
	if err != nil {
		return nil, fmt.Errorf("marshal tile position: %w", err)
	}
	return scanTile(s.pool.QueryRow(ctx,
		`UPDATE dashboard_tiles SET position = $4, updated_at = now()
		 WHERE org_id = $1 AND dashboard_id = $2 AND id = $3
		 RETURNING `+tileColumns,
		orgID, dashboardID, tileID, pos))
}

func (s *DashboardStore) DeleteTile(ctx context.Context, orgID, dashboardID, tileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dashboard_tiles
		 WHERE org_id = $1 AND dashboard_id = $2 AND id = $3`,
		orgID, dashboardID, tileID)
	if err != nil {
		return fmt.Errorf("delete dashboard tile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
