package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skua-data/skua/internal/domain"
)

// Per-datasource pool limits. Tenant databases are not ours; keep the
// footprint small and give up on acquisition quickly.
const (
	tenantMaxConns       = 5
	tenantAcquireTimeout = 10 * time.Second
	tenantConnLifetime   = 30 * time.Minute
)

// Postgres is the Connector implementation for postgres datasources.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool for the tenant database at dsn. The pool is lazy;
// no connection is made until first use.
func NewPostgres(dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, domain.Wrap(domain.ErrBadRequest, "invalid connection string", err)
	}
	cfg.MaxConns = tenantMaxConns
	cfg.MaxConnLifetime = tenantConnLifetime
	cfg.ConnConfig.ConnectTimeout = tenantAcquireTimeout
	cfg.ConnConfig.RuntimeParams["application_name"] = "skua-runner"

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnection, "open tenant pool", err)
	}
	return &Postgres{pool: pool}, nil
}

// Ping verifies connectivity within the acquire timeout.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tenantAcquireTimeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return domain.Wrap(domain.ErrConnection, "datasource unreachable", err)
	}
	return nil
}

// WrapWithLimit encloses sql in a subquery with a LIMIT so the tenant
// database enforces the row cap server-side.
func WrapWithLimit(sql string, maxRows int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d", sql, maxRows)
}

// Execute runs the row-capped query under the caller's deadline.
func (p *Postgres) Execute(ctx context.Context, sql string, args []any, maxRows int) (*Result, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, tenantAcquireTimeout)
	conn, err := p.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnection, "acquire tenant connection", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, WrapWithLimit(sql, maxRows), args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	typeMap := conn.Conn().TypeMap()
	fields := rows.FieldDescriptions()
	columns := make([]domain.ResultColumn, len(fields))
	for i, f := range fields {
		columns[i] = domain.ResultColumn{
			Name:     string(f.Name),
			DataType: typeName(typeMap, f.DataTypeOID),
		}
	}

	result := &Result{Columns: columns, Rows: make([][]any, 0, 64)}
	for rows.Next() {
		// The LIMIT already caps the server side; this guard only matters if
		// the wrapped SQL somehow escapes it.
		if len(result.Rows) >= maxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return result, nil
}

// Schema lists ordinary tables and views with their columns, ordered by table
// then ordinal position.
func (p *Postgres) Schema(ctx context.Context) ([]Table, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, tenantAcquireTimeout)
	conn, err := p.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnection, "acquire tenant connection", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT c.table_name, c.column_name, c.data_type
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND t.table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("introspect schema: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		if len(tables) == 0 || tables[len(tables)-1].Name != tableName {
			tables = append(tables, Table{Name: tableName})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, Column{Name: columnName, DataType: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read schema rows: %w", err)
	}
	if tables == nil {
		tables = []Table{}
	}
	return tables, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// typeName resolves an OID to its type name, or "unknown" when unmapped.
func typeName(tm *pgtype.Map, oid uint32) string {
	if t, ok := tm.TypeForOID(oid); ok {
		return t.Name
	}
	return "unknown"
}

// normalizeValue maps driver values to JSON-safe Go types. Byte slices become
// strings, uuids their text form, and numerics their decimal string so no
// precision is lost in the stored result.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if dv, err := val.Value(); err == nil {
			return dv
		}
		return nil
	case time.Time:
		return val.UTC()
	default:
		return val
	}
}
