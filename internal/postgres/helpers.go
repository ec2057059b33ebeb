package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/skua-data/skua/internal/domain"
)

// Postgres error codes the stores translate into domain errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// isForeignKeyViolation reports whether err is a foreign key violation,
// either a dangling reference on insert or a RESTRICT rejection on delete.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// marshalParamDefs encodes a query's declared parameter schema for the
// queries.parameters column. A nil schema stores the empty array.
func marshalParamDefs(defs []domain.ParamDef) ([]byte, error) {
	if defs == nil {
		defs = []domain.ParamDef{}
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	return data, nil
}

// unmarshalParamDefs decodes the queries.parameters column.
func unmarshalParamDefs(data []byte) ([]domain.ParamDef, error) {
	if len(data) == 0 {
		return []domain.ParamDef{}, nil
	}
	var defs []domain.ParamDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
	}
	return defs, nil
}

// marshalResultColumns encodes result column metadata for the
// run_results.columns column.
func marshalResultColumns(cols []domain.ResultColumn) ([]byte, error) {
	if cols == nil {
		cols = []domain.ResultColumn{}
	}
	data, err := json.Marshal(cols)
	if err != nil {
		return nil, fmt.Errorf("marshal result columns: %w", err)
	}
	return data, nil
}

// unmarshalResultColumns decodes the run_results.columns column.
func unmarshalResultColumns(data []byte) ([]domain.ResultColumn, error) {
	if len(data) == 0 {
		return []domain.ResultColumn{}, nil
	}
	var cols []domain.ResultColumn
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("unmarshal result columns: %w", err)
	}
	return cols, nil
}

// marshalTypedValues encodes a run's bound parameter values for the
// runs.parameters column.
func marshalTypedValues(values []domain.TypedValue) ([]byte, error) {
	if values == nil {
		values = []domain.TypedValue{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal run parameters: %w", err)
	}
	return data, nil
}

// unmarshalTypedValues decodes the runs.parameters column.
func unmarshalTypedValues(data []byte) ([]domain.TypedValue, error) {
	if len(data) == 0 {
		return []domain.TypedValue{}, nil
	}
	var values []domain.TypedValue
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal run parameters: %w", err)
	}
	return values, nil
}
