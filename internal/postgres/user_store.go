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

// UserStore implements api.UserStore backed by Postgres.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a UserStore backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, org_id, email, name, role, password_hash, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.OrgID, &u.Email, &u.Name, &u.Role,
		&u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) CreateUser(ctx context.Context, user *domain.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (org_id, email, name, password_hash, role)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		user.OrgID, user.Email, user.Name, user.PasswordHash, user.Role).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Ef(domain.ErrConflict, "user %q already exists", user.Email)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetUser(ctx context.Context, orgID, id uuid.UUID) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE org_id = $1 AND id = $2`, orgID, id))
}

// GetUserByEmail looks a user up for login. When orgSlug is empty the email
// must identify exactly one user across all organizations; users who share an
// email across orgs have to supply their org slug.
func (s *UserStore) GetUserByEmail(ctx context.Context, email, orgSlug string) (*domain.User, error) {
	if orgSlug != "" {
		return scanUser(s.pool.QueryRow(ctx,
			`SELECT u.`+userJoinColumns+`
			 FROM users u JOIN organizations o ON o.id = u.org_id
			 WHERE u.email = $1 AND o.slug = $2`, email, orgSlug))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 LIMIT 2`, email)
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Email, &u.Name, &u.Role,
			&u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	switch len(users) {
	case 0:
		return nil, domain.ErrNotFound
	case 1:
		return users[0], nil
	default:
		return nil, domain.E(domain.ErrBadRequest, "email belongs to multiple organizations, supply org_slug")
	}
}

// userJoinColumns is userColumns with the alias spelled per column, for joins.
const userJoinColumns = `id, u.org_id, u.email, u.name, u.role, u.password_hash, u.created_at, u.updated_at`

func (s *UserStore) ListUsers(ctx context.Context, orgID uuid.UUID) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	result := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Email, &u.Name, &u.Role,
			&u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *UserStore) UpdateUser(ctx context.Context, user *domain.User) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET name = $3, role = $4, updated_at = now()
		 WHERE org_id = $1 AND id = $2
		 RETURNING updated_at`,
		user.OrgID, user.ID, user.Name, user.Role).Scan(&user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *UserStore) DeleteUser(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM users WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
