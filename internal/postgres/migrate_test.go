package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skua-data/skua/internal/postgres"
)

// migrationLockID mirrors the unexported constant in migrate.go.
const migrationLockID = 824661907

// testPoolForMigration creates a pool without running migrations first,
// so we can test the Migrate function itself.
func testPoolForMigration(t *testing.T) *pgxpool.Pool {
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

	return pool
}

func TestMigrate_AcquiresAdvisoryLock(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	err := postgres.Migrate(ctx, pool)
	require.NoError(t, err)

	// The lock must be free again after Migrate returns.
	var acquired bool
	err = pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", migrationLockID).Scan(&acquired)
	require.NoError(t, err)
	assert.True(t, acquired, "advisory lock should be released after Migrate completes")

	_, err = pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	require.NoError(t, err)
}

func TestMigrate_ConcurrentCallsAreSerialized(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	err := postgres.Migrate(ctx, pool)
	require.NoError(t, err)

	const concurrency = 3
	var wg sync.WaitGroup
	errs := make([]error, concurrency)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(idx int) {
			defer wg.Done()
			errs[idx] = postgres.Migrate(ctx, pool)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "concurrent migration %d should succeed", i)
	}
}

func TestMigrate_IdempotentOnRepeatedCalls(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	require.NoError(t, postgres.Migrate(ctx, pool))
	require.NoError(t, postgres.Migrate(ctx, pool))

	var count int
	err := pool.QueryRow(ctx, "SELECT count(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have at least one recorded migration")
}

func TestMigrate_LockBlocksSecondCaller(t *testing.T) {
	pool := testPoolForMigration(t)
	ctx := context.Background()

	// Hold the migration lock on a separate connection, simulating another
	// process mid-migration.
	lockConn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer lockConn.Release()

	_, err = lockConn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = postgres.Migrate(shortCtx, pool)
	assert.Error(t, err, "Migrate should fail while the lock is held elsewhere")

	_, err = lockConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	require.NoError(t, err)
}
