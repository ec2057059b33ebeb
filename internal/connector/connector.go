// Package connector opens and pools connections to tenant datasources and
// executes validated, row-capped SELECTs against them. The metadata store is
// never touched from here; a Connector only ever sees one tenant database.
package connector

import (
	"context"

	"github.com/skua-data/skua/internal/domain"
)

// Result is the row payload of one executed query.
type Result struct {
	Columns []domain.ResultColumn
	Rows    [][]any
}

// Column describes one column of an introspected table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

// Table is one introspected table or view with its columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Connector is the capability surface of one tenant datasource driver.
// Implementations are safe for concurrent use.
type Connector interface {
	// Ping verifies the datasource is reachable with the stored credentials.
	Ping(ctx context.Context) error

	// Execute runs sql with positional args, capping the result at maxRows.
	// The SQL is wrapped in a subquery LIMIT so the cap holds even when the
	// driver keeps streaming; rows are additionally counted defensively.
	Execute(ctx context.Context, sql string, args []any, maxRows int) (*Result, error)

	// Schema introspects ordinary tables and views visible to the
	// datasource's credentials.
	Schema(ctx context.Context) ([]Table, error)

	// Close releases the underlying pool.
	Close()
}
