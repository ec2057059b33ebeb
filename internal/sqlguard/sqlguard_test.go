package sqlguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skua-data/skua/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestValidateAccepts(t *testing.T) {
	v := New(nil)
	tests := []struct {
		name string
		sql  string
	}{
		{name: "plain select", sql: "SELECT id, total FROM orders WHERE total > 10"},
		{name: "named placeholders", sql: "SELECT * FROM orders WHERE total > $min AND region = $region"},
		{name: "placeholder with cast", sql: "SELECT * FROM events WHERE day = $day::date"},
		{name: "placeholder in cte", sql: "WITH r AS (SELECT * FROM orders WHERE region = $region) SELECT count(*) FROM r"},
		{name: "cte", sql: "WITH top AS (SELECT * FROM orders ORDER BY total DESC LIMIT 10) SELECT * FROM top"},
		{name: "union", sql: "SELECT id FROM a UNION ALL SELECT id FROM b"},
		{name: "subquery", sql: "SELECT * FROM (SELECT id FROM orders) sub"},
		{name: "aggregate functions", sql: "SELECT count(*), sum(total), date_trunc('day', created_at) FROM orders GROUP BY 3"},
		{name: "window function", sql: "SELECT id, row_number() OVER (ORDER BY total) FROM orders"},
		{name: "join", sql: "SELECT o.id FROM orders o JOIN customers c ON c.id = o.customer_id"},
		{name: "trailing semicolon", sql: "SELECT 1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, v.Validate(tt.sql))
		})
	}
}

func TestValidateRejects(t *testing.T) {
	v := New(nil)
	tests := []struct {
		name string
		sql  string
		msg  string
	}{
		{name: "insert", sql: "INSERT INTO t VALUES (1)", msg: "only SELECT"},
		{name: "update", sql: "UPDATE t SET a = 1", msg: "only SELECT"},
		{name: "delete", sql: "DELETE FROM t", msg: "only SELECT"},
		{name: "drop", sql: "DROP TABLE t", msg: "only SELECT"},
		{name: "create", sql: "CREATE TABLE t (id int)", msg: "only SELECT"},
		{name: "alter", sql: "ALTER TABLE t ADD COLUMN x int", msg: "only SELECT"},
		{name: "truncate", sql: "TRUNCATE t", msg: "only SELECT"},
		{name: "grant", sql: "GRANT ALL ON t TO public", msg: "only SELECT"},
		{name: "explain wrapping select", sql: "EXPLAIN SELECT 1", msg: "only SELECT"},
		{name: "cte hiding insert", sql: "WITH x AS (SELECT 1) INSERT INTO t SELECT * FROM x", msg: "only SELECT"},
		{name: "insert inside cte", sql: "WITH t AS (INSERT INTO users (name) VALUES ('x') RETURNING id) SELECT * FROM t", msg: "nested InsertStmt"},
		{name: "delete inside cte", sql: "WITH t AS (DELETE FROM users RETURNING id) SELECT * FROM t", msg: "nested DeleteStmt"},
		{name: "update inside nested cte", sql: "WITH a AS (WITH b AS (UPDATE users SET name = 'x' RETURNING id) SELECT * FROM b) SELECT * FROM a", msg: "nested UpdateStmt"},
		{name: "multi statement", sql: "SELECT 1; SELECT 2", msg: "single statement"},
		{name: "select into", sql: "SELECT * INTO stolen FROM orders", msg: "SELECT INTO"},
		{name: "syntax error", sql: "SELEC 1", msg: "syntax error"},
		{name: "empty", sql: "   ", msg: "empty"},
		{name: "denied file read", sql: "SELECT pg_read_file('/etc/passwd')", msg: "pg_read_file"},
		{name: "denied in subquery", sql: "SELECT * FROM (SELECT pg_ls_dir('/')) d", msg: "pg_ls_dir"},
		{name: "denied in cte", sql: "WITH x AS (SELECT pg_read_binary_file('/a')) SELECT * FROM x", msg: "pg_read_binary_file"},
		{name: "denied in where", sql: "SELECT 1 WHERE length(pg_read_file('/a')) > 0", msg: "pg_read_file"},
		{name: "schema qualified", sql: "SELECT pg_catalog.pg_read_file('/a')", msg: "pg_read_file"},
		{name: "case insensitive", sql: `SELECT "PG_READ_FILE"('/a')`, msg: "pg_read_file"},
		{name: "terminate backend", sql: "SELECT pg_terminate_backend(123)", msg: "pg_terminate_backend"},
		{name: "dblink", sql: "SELECT * FROM dblink('host=evil', 'SELECT 1') AS t(a int)", msg: "dblink"},
		{name: "lo_import", sql: "SELECT lo_import('/etc/passwd')", msg: "lo_import"},
		{name: "xpath", sql: "SELECT xpath('/x', '<x/>'::xml)", msg: "xpath"},
		{name: "xmlparse syntax", sql: "SELECT XMLPARSE(DOCUMENT '<x/>')", msg: "xmlparse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.sql)
			require.Error(t, err)
			assert.Equal(t, domain.ErrBadRequest, domain.KindOf(err))
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.msg))
		})
	}
}

func TestValidateLengthCap(t *testing.T) {
	v := New(nil)
	sql := "SELECT '" + strings.Repeat("x", MaxQueryLength) + "'"
	err := v.Validate(sql)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestPolicyExtendsDenylist(t *testing.T) {
	v := New(&Policy{ExtraDeniedFunctions: []string{"Nefarious_Fn", "  "}})
	err := v.Validate("SELECT nefarious_fn(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nefarious_fn")

	// Defaults still apply alongside the extension.
	require.Error(t, v.Validate("SELECT pg_read_file('/a')"))
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeFile(t, path, "extra_denied_functions:\n  - evil_fn\n  - another_one\n")

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"evil_fn", "another_one"}, p.ExtraDeniedFunctions)

	_, err = LoadPolicy(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	writeFile(t, path, "extra_denied_functions: {not: a list}\n")
	_, err = LoadPolicy(path)
	assert.Error(t, err)
}
