package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/params"
	"github.com/skua-data/skua/internal/postgres"
)

// Default execution bounds applied when a query omits them.
const (
	defaultTimeoutSeconds = 30
	maxTimeoutSeconds     = 300
	defaultMaxRows        = 10_000
	hardMaxRows           = 100_000
)

// QueryStore defines the persistence interface for saved queries.
type QueryStore interface {
	CreateQuery(ctx context.Context, q *domain.Query) error
	GetQuery(ctx context.Context, orgID, id uuid.UUID) (*domain.Query, error)
	ListQueries(ctx context.Context, orgID uuid.UUID, filter postgres.QueryFilter) ([]domain.Query, error)
	FindQueryByName(ctx context.Context, orgID uuid.UUID, name string) (*domain.Query, error)
	UpdateQuery(ctx context.Context, q *domain.Query) error
	DeleteQuery(ctx context.Context, orgID, id uuid.UUID) error
}

// QueryRequest is the JSON body for creating and updating queries.
type QueryRequest struct {
	DatasourceID   uuid.UUID         `json:"datasource_id" validate:"required"`
	Name           string            `json:"name" validate:"required,min=1,max=128"`
	Description    string            `json:"description" validate:"max=5000"`
	SQL            string            `json:"sql" validate:"required"`
	Parameters     []domain.ParamDef `json:"parameters"`
	Tags           []string          `json:"tags" validate:"max=20,dive,min=1,max=64"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	MaxRows        int               `json:"max_rows" validate:"omitempty,min=1,max=100000"`
}

// HandleListQueries returns saved queries, excluding the hidden ad-hoc ones.
// Supports ?tag= filtering and limit/offset paging.
func (s *Server) HandleListQueries(w http.ResponseWriter, r *http.Request) {
	filter := postgres.QueryFilter{Tag: r.URL.Query().Get("tag")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	queries, err := s.Queries.ListQueries(r.Context(), principal(r).OrgID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": queries, "total": len(queries)})
}

// HandleGetQuery returns one saved query.
func (s *Server) HandleGetQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "queryID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.Queries.GetQuery(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleCreateQuery saves a query after validating its SQL and parameter
// schema.
func (s *Server) HandleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)
	q, err := s.buildQuery(&req, p.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q.CreatedBy = &p.UserID

	if err := s.Queries.CreateQuery(r.Context(), q); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// HandleUpdateQuery replaces a saved query's definition; the SQL is
// re-validated.
func (s *Server) HandleUpdateQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "queryID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)

	existing, err := s.Queries.GetQuery(r.Context(), p.OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q, err := s.buildQuery(&req, p.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q.ID = existing.ID
	q.CreatedBy = existing.CreatedBy

	if err := s.Queries.UpdateQuery(r.Context(), q); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleDeleteQuery removes a saved query; schedules and visualizations on
// it cascade.
func (s *Server) HandleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "queryID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Queries.DeleteQuery(r.Context(), principal(r).OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// buildQuery validates a request and materializes the domain query. Shared
// by create, update, and import.
func (s *Server) buildQuery(req *QueryRequest, orgID uuid.UUID) (*domain.Query, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.Name == domain.AdhocQueryName {
		return nil, domain.Ef(domain.ErrBadRequest, "%q is a reserved query name", domain.AdhocQueryName)
	}
	if err := s.SQLGuard.Validate(req.SQL); err != nil {
		return nil, err
	}
	if err := checkParamSchema(req.SQL, req.Parameters); err != nil {
		return nil, err
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultTimeoutSeconds
	}
	maxRows := req.MaxRows
	if maxRows == 0 {
		maxRows = defaultMaxRows
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}

	return &domain.Query{
		OrgID:          orgID,
		DatasourceID:   req.DatasourceID,
		Name:           req.Name,
		Description:    req.Description,
		SQL:            req.SQL,
		Parameters:     req.Parameters,
		Tags:           tags,
		TimeoutSeconds: timeout,
		MaxRows:        maxRows,
	}, nil
}

// checkParamSchema verifies the declared schema covers every placeholder in
// the SQL and declares nothing nonsensical.
func checkParamSchema(sql string, schema []domain.ParamDef) error {
	declared := make(map[string]bool, len(schema))
	for _, def := range schema {
		if def.Name == "" {
			return domain.E(domain.ErrBadRequest, "parameter name must not be empty")
		}
		if !domain.ValidParamType(def.Type) {
			return domain.Ef(domain.ErrBadRequest, "parameter %s: unknown type %q", def.Name, def.Type)
		}
		if declared[def.Name] {
			return domain.Ef(domain.ErrBadRequest, "parameter %s declared twice", def.Name)
		}
		declared[def.Name] = true
		if len(def.Default) > 0 {
			if _, err := params.Coerce(def.Type, def.Default); err != nil {
				return domain.Ef(domain.ErrBadRequest, "parameter %s default: %v", def.Name, err)
			}
		}
	}
	for _, name := range params.Extract(sql) {
		if !declared[name] {
			return domain.Ef(domain.ErrBadRequest,
				"placeholder $%s is not declared in the parameter schema", name)
		}
	}
	return nil
}

// QueryBundle is the portable export format. Datasources are referenced by
// name so a bundle can be imported into an org with different datasource ids.
type QueryBundle struct {
	Version int           `json:"version"`
	Queries []BundleQuery `json:"queries"`
}

// BundleQuery is one exported query.
type BundleQuery struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Datasource     string            `json:"datasource"`
	SQL            string            `json:"sql"`
	Parameters     []domain.ParamDef `json:"parameters,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MaxRows        int               `json:"max_rows"`
}

// ImportResult reports what an import did.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}

// HandleExportQueries returns the org's saved queries as a portable bundle.
func (s *Server) HandleExportQueries(w http.ResponseWriter, r *http.Request) {
	orgID := principal(r).OrgID
	queries, err := s.Queries.ListQueries(r.Context(), orgID, postgres.QueryFilter{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	datasources, err := s.Datasources.ListDatasources(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dsName := make(map[uuid.UUID]string, len(datasources))
	for _, ds := range datasources {
		dsName[ds.ID] = ds.Name
	}

	bundle := QueryBundle{Version: 1, Queries: make([]BundleQuery, 0, len(queries))}
	for _, q := range queries {
		bundle.Queries = append(bundle.Queries, BundleQuery{
			Name:           q.Name,
			Description:    q.Description,
			Datasource:     dsName[q.DatasourceID],
			SQL:            q.SQL,
			Parameters:     q.Parameters,
			Tags:           q.Tags,
			TimeoutSeconds: q.TimeoutSeconds,
			MaxRows:        q.MaxRows,
		})
	}
	writeJSON(w, http.StatusOK, bundle)
}

// HandleImportQueries imports a bundle. Each query's SQL is re-validated.
// Name clashes fail the import with a conflict unless ?skip_duplicates=true.
func (s *Server) HandleImportQueries(w http.ResponseWriter, r *http.Request) {
	var bundle QueryBundle
	if err := decodeJSON(r, &bundle); err != nil {
		writeError(w, r, err)
		return
	}
	if bundle.Version != 1 {
		writeError(w, r, domain.Ef(domain.ErrBadRequest, "unsupported bundle version %d", bundle.Version))
		return
	}
	skipDuplicates, _ := strconv.ParseBool(r.URL.Query().Get("skip_duplicates"))

	p := principal(r)
	datasources, err := s.Datasources.ListDatasources(r.Context(), p.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dsByName := make(map[string]uuid.UUID, len(datasources))
	for _, ds := range datasources {
		dsByName[ds.Name] = ds.ID
	}

	// Validate the whole bundle before writing anything, so a bad entry
	// doesn't leave a half-imported bundle behind.
	type pending struct {
		query *domain.Query
	}
	var (
		toCreate []pending
		skipped  []string
	)
	for _, bq := range bundle.Queries {
		dsID, ok := dsByName[bq.Datasource]
		if !ok {
			writeError(w, r, domain.Ef(domain.ErrKindNotFound,
				"query %q references unknown datasource %q", bq.Name, bq.Datasource))
			return
		}

		existing, err := s.Queries.FindQueryByName(r.Context(), p.OrgID, bq.Name)
		if err != nil && domain.KindOf(err) != domain.ErrKindNotFound {
			writeError(w, r, err)
			return
		}
		if existing != nil {
			if skipDuplicates {
				skipped = append(skipped, bq.Name)
				continue
			}
			writeError(w, r, domain.Ef(domain.ErrConflict, "query %q already exists", bq.Name))
			return
		}

		q, err := s.buildQuery(&QueryRequest{
			DatasourceID:   dsID,
			Name:           bq.Name,
			Description:    bq.Description,
			SQL:            bq.SQL,
			Parameters:     bq.Parameters,
			Tags:           bq.Tags,
			TimeoutSeconds: bq.TimeoutSeconds,
			MaxRows:        bq.MaxRows,
		}, p.OrgID)
		if err != nil {
			writeError(w, r, domain.Ef(domain.KindOf(err), "query %q: %v", bq.Name, err))
			return
		}
		q.CreatedBy = &p.UserID
		toCreate = append(toCreate, pending{query: q})
	}

	for _, item := range toCreate {
		if err := s.Queries.CreateQuery(r.Context(), item.query); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ImportResult{Imported: len(toCreate), Skipped: skipped})
}
