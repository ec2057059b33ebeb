package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/postgres"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set (so unit runs stay fast).
// It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url, "skua-test")
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables. Organizations cascade to everything else.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), "TRUNCATE organizations CASCADE"); err != nil {
		t.Fatalf("truncate organizations: %v", err)
	}
}

// seedOrg creates an organization with its admin user and returns both.
func seedOrg(t *testing.T, pool *pgxpool.Pool, slug string) (*domain.Organization, *domain.User) {
	t.Helper()

	org := &domain.Organization{Name: slug, Slug: slug}
	admin := &domain.User{Email: "admin@" + slug + ".test", Name: "Admin", PasswordHash: "x"}
	store := postgres.NewOrgStore(pool)
	require.NoError(t, store.CreateOrgWithAdmin(context.Background(), org, admin))
	return org, admin
}

// seedDatasource creates a datasource in the given org.
func seedDatasource(t *testing.T, pool *pgxpool.Pool, orgID uuid.UUID, name string) *domain.Datasource {
	t.Helper()

	ds := &domain.Datasource{
		OrgID:        orgID,
		Name:         name,
		Kind:         domain.DatasourcePostgres,
		EncryptedDSN: "v1:c2VhbGVk",
	}
	require.NoError(t, postgres.NewDatasourceStore(pool).CreateDatasource(context.Background(), ds))
	return ds
}

// seedQuery creates a saved query against the given datasource.
func seedQuery(t *testing.T, pool *pgxpool.Pool, orgID, datasourceID uuid.UUID, name string) *domain.Query {
	t.Helper()

	q := &domain.Query{
		OrgID:          orgID,
		DatasourceID:   datasourceID,
		Name:           name,
		SQL:            "SELECT 1",
		TimeoutSeconds: 30,
		MaxRows:        1000,
	}
	require.NoError(t, postgres.NewQueryStore(pool).CreateQuery(context.Background(), q))
	return q
}

// seedQueuedRun enqueues a run for the given query.
func seedQueuedRun(t *testing.T, pool *pgxpool.Pool, q *domain.Query) *domain.Run {
	t.Helper()

	run := &domain.Run{
		OrgID:          q.OrgID,
		QueryID:        q.ID,
		DatasourceID:   q.DatasourceID,
		Status:         domain.RunStatusQueued,
		ExecutedSQL:    q.SQL,
		TimeoutSeconds: q.TimeoutSeconds,
		MaxRows:        q.MaxRows,
	}
	require.NoError(t, postgres.NewRunStore(pool).CreateRun(context.Background(), run))
	return run
}
