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

// DatasourceStore implements api.DatasourceStore backed by Postgres.
type DatasourceStore struct {
	pool *pgxpool.Pool
}

// NewDatasourceStore creates a DatasourceStore backed by the given pool.
func NewDatasourceStore(pool *pgxpool.Pool) *DatasourceStore {
	return &DatasourceStore{pool: pool}
}

const datasourceColumns = `id, org_id, name, kind, encrypted_dsn, created_at, updated_at`

func scanDatasource(row pgx.Row) (*domain.Datasource, error) {
	var ds domain.Datasource
	err := row.Scan(&ds.ID, &ds.OrgID, &ds.Name, &ds.Kind, &ds.EncryptedDSN,
		&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan datasource: %w", err)
	}
	return &ds, nil
}

func (s *DatasourceStore) CreateDatasource(ctx context.Context, ds *domain.Datasource) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO datasources (org_id, name, kind, encrypted_dsn)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		ds.OrgID, ds.Name, ds.Kind, ds.EncryptedDSN).
		Scan(&ds.ID, &ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "datasource %q already exists", ds.Name)
		}
		return fmt.Errorf("create datasource: %w", err)
	}
	return nil
}

func (s *DatasourceStore) GetDatasource(ctx context.Context, orgID, id uuid.UUID) (*domain.Datasource, error) {
	return scanDatasource(s.pool.QueryRow(ctx,
		`SELECT `+datasourceColumns+` FROM datasources WHERE org_id = $1 AND id = $2`,
		orgID, id))
}

func (s *DatasourceStore) ListDatasources(ctx context.Context, orgID uuid.UUID) ([]domain.Datasource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+datasourceColumns+` FROM datasources WHERE org_id = $1 ORDER BY name`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	defer rows.Close()

	result := []domain.Datasource{}
	for rows.Next() {
		var ds domain.Datasource
		if err := rows.Scan(&ds.ID, &ds.OrgID, &ds.Name, &ds.Kind, &ds.EncryptedDSN,
			&ds.CreatedAt, &ds.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan datasource: %w", err)
		}
		result = append(result, ds)
	}
	return result, rows.Err()
}

func (s *DatasourceStore) UpdateDatasource(ctx context.Context, ds *domain.Datasource) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE datasources SET name = $3, kind = $4, encrypted_dsn = $5, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		ds.OrgID, ds.ID, ds.Name, ds.Kind, ds.EncryptedDSN).Scan(&ds.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "datasource %q already exists", ds.Name)
		}
		return fmt.Errorf("update datasource: %w", err)
	}
	return nil
}

// DeleteDatasource removes a datasource. Queries reference datasources with
// ON DELETE RESTRICT, so a datasource still in use reports a conflict.
func (s *DatasourceStore) DeleteDatasource(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM datasources WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.E(domain.ErrConflict, "datasource is referenced by existing queries")
		}
		return fmt.Errorf("delete datasource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
