package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skua-data/skua/internal/domain"
)

// OrgStore implements api.OrgStore backed by Postgres.
type OrgStore struct {
	pool *pgxpool.Pool
}

// NewOrgStore creates an OrgStore backed by the given pool.
func NewOrgStore(pool *pgxpool.Pool) *OrgStore {
	return &OrgStore{pool: pool}
}

// CreateOrgWithAdmin atomically creates an organization and its first admin
// user. Registration either produces both rows or neither.
func (s *OrgStore) CreateOrgWithAdmin(ctx context.Context, org *domain.Organization, admin *domain.User) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin registration tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	err = tx.QueryRow(ctx,
		`INSERT INTO organizations (name, slug)
		 VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		org.Name, org.Slug).Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "organization slug %q is taken", org.Slug)
		}
		return fmt.Errorf("create organization: %w", err)
	}

	admin.OrgID = org.ID
	admin.Role = domain.RoleAdmin
	err = tx.QueryRow(ctx,
		`INSERT INTO users (org_id, email, name, password_hash, role)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		admin.OrgID, admin.Email, admin.Name, admin.PasswordHash, admin.Role).
		Scan(&admin.ID, &admin.CreatedAt, &admin.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "user %q already exists", admin.Email)
		}
		return fmt.Errorf("create admin user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registration tx: %w", err)
	}
	return nil
}

func (s *OrgStore) GetOrg(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	var org domain.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, slug, created_at, updated_at FROM organizations WHERE id = $1`,
		id).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}
