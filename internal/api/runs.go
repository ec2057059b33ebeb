package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/params"
	"github.com/skua-data/skua/internal/postgres"
)

// RunStore defines the persistence interface for runs as seen by the API.
// Claiming and finishing runs belong to the runner, not here.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, orgID, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, orgID uuid.UUID, filter postgres.RunFilter) ([]domain.Run, error)
	GetRunResult(ctx context.Context, orgID, runID uuid.UUID) (*domain.RunResult, error)
	CancelRun(ctx context.Context, orgID, id uuid.UUID) (*domain.Run, error)
}

// CreateRunRequest is the JSON body for POST /api/v1/runs. Parameters take
// either wire form; see normalizeParams.
type CreateRunRequest struct {
	QueryID        uuid.UUID       `json:"query_id" validate:"required"`
	Parameters     json.RawMessage `json:"parameters"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	MaxRows        int             `json:"max_rows" validate:"omitempty,min=1,max=100000"`
}

// ExecuteAdhocRequest is the JSON body for POST /api/v1/runs/execute.
type ExecuteAdhocRequest struct {
	DatasourceID   uuid.UUID       `json:"datasource_id" validate:"required"`
	SQL            string          `json:"sql" validate:"required"`
	Parameters     json.RawMessage `json:"parameters"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
	MaxRows        int             `json:"max_rows" validate:"omitempty,min=1,max=100000"`
}

// normalizeParams accepts both execution parameter wire forms: a
// {name: value} object bound by name, or a [{type, value}] array bound
// positionally against the SQL's distinct placeholders in first-appearance
// order. Both normalize to the by-name map the binder consumes.
func normalizeParams(sql string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var byName map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byName); err != nil {
			return nil, domain.E(domain.ErrBadRequest, "parameters must be an object or an array")
		}
		return byName, nil
	}

	var list []domain.TypedValue
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, domain.E(domain.ErrBadRequest, "parameters must be an object or an array")
	}
	names := params.Extract(sql)
	if len(list) != len(names) {
		return nil, domain.Ef(domain.ErrBadRequest,
			"positional parameters: got %d values for %d placeholders", len(list), len(names))
	}
	byName := make(map[string]json.RawMessage, len(list))
	for i, tv := range list {
		byName[names[i]] = tv.Value
	}
	return byName, nil
}

// HandleCreateRun enqueues a run of a saved query. Parameters are bound
// against the query's schema now, so the runner never needs the query row.
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	p := principal(r)
	query, err := s.Queries.GetQuery(r.Context(), p.OrgID, req.QueryID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	supplied, err := normalizeParams(query.SQL, req.Parameters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := buildRun(query, supplied, req.TimeoutSeconds, req.MaxRows)
	if err != nil {
		writeError(w, r, err)
		return
	}
	run.CreatedBy = &p.UserID

	if err := s.Runs.CreateRun(r.Context(), run); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleExecuteAdhoc validates ad-hoc SQL, saves it as a hidden query named
// "_adhoc" (keeping the run audit trail uniform), and enqueues a run.
func (s *Server) HandleExecuteAdhoc(w http.ResponseWriter, r *http.Request) {
	var req ExecuteAdhocRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.SQLGuard.Validate(req.SQL); err != nil {
		writeError(w, r, err)
		return
	}

	supplied, err := normalizeParams(req.SQL, req.Parameters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Ad-hoc SQL has no declared schema; infer one from the supplied values.
	schema, err := inferParamDefs(req.SQL, supplied)
	if err != nil {
		writeError(w, r, err)
		return
	}

	p := principal(r)
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultTimeoutSeconds
	}
	maxRows := req.MaxRows
	if maxRows == 0 {
		maxRows = defaultMaxRows
	}

	query := &domain.Query{
		OrgID:          p.OrgID,
		DatasourceID:   req.DatasourceID,
		Name:           domain.AdhocQueryName,
		SQL:            req.SQL,
		Parameters:     schema,
		Tags:           []string{},
		TimeoutSeconds: timeout,
		MaxRows:        maxRows,
		CreatedBy:      &p.UserID,
	}
	if err := s.Queries.CreateQuery(r.Context(), query); err != nil {
		writeError(w, r, err)
		return
	}

	run, err := buildRun(query, supplied, 0, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	run.CreatedBy = &p.UserID

	if err := s.Runs.CreateRun(r.Context(), run); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// HandleListRuns returns the org's runs, newest first.
// Filters: ?query_id=, ?status=, ?limit=.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := postgres.RunFilter{}
	if v := r.URL.Query().Get("query_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, domain.E(domain.ErrBadRequest, "query_id must be a UUID"))
			return
		}
		filter.QueryID = id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := domain.RunStatus(v)
		if !domain.ValidRunStatus(status) {
			writeError(w, r, domain.Ef(domain.ErrBadRequest, "unknown status %q", v))
			return
		}
		filter.Status = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	runs, err := s.Runs.ListRuns(r.Context(), principal(r).OrgID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}

// HandleGetRun returns one run's metadata, including status and any error.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "runID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := s.Runs.GetRun(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleGetRunResult returns the rows of a completed, unexpired run.
// Results are immutable, so cache hits never go stale.
func (s *Server) HandleGetRunResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "runID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID

	if res, ok := s.Results.Get(r.Context(), id); ok {
		// The cache is keyed by run id alone; enforce org scope here.
		if res.OrgID == orgID {
			if s.Metrics != nil {
				s.Metrics.IncResultCache("hit")
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	if s.Metrics != nil {
		s.Metrics.IncResultCache("miss")
	}

	res, err := s.Runs.GetRunResult(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Results.Put(r.Context(), res)
	writeJSON(w, http.StatusOK, res)
}

// HandleCancelRun cancels a queued or running run. Terminal runs conflict.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "runID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := s.Runs.CancelRun(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// buildRun binds parameters against the query schema and freezes the
// positional SQL plus typed values onto a queued run. Timeout and row cap
// overrides are bounded by the platform maximums.
func buildRun(query *domain.Query, supplied map[string]json.RawMessage, timeoutOverride, maxRowsOverride int) (*domain.Run, error) {
	positionalSQL, values, err := params.Bind(query.SQL, query.Parameters, supplied)
	if err != nil {
		return nil, err
	}

	timeout := query.TimeoutSeconds
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}
	if timeout > maxTimeoutSeconds {
		timeout = maxTimeoutSeconds
	}
	maxRows := query.MaxRows
	if maxRowsOverride > 0 {
		maxRows = maxRowsOverride
	}
	if maxRows > hardMaxRows {
		maxRows = hardMaxRows
	}

	return &domain.Run{
		OrgID:          query.OrgID,
		QueryID:        query.ID,
		DatasourceID:   query.DatasourceID,
		Status:         domain.RunStatusQueued,
		ExecutedSQL:    positionalSQL,
		Parameters:     values,
		TimeoutSeconds: timeout,
		MaxRows:        maxRows,
	}, nil
}

// inferParamDefs derives a parameter schema for ad-hoc SQL from the supplied
// values: every placeholder must be supplied, and its JSON shape picks the
// type (string, boolean, integer, or number).
func inferParamDefs(sql string, supplied map[string]json.RawMessage) ([]domain.ParamDef, error) {
	names := params.Extract(sql)
	defs := make([]domain.ParamDef, 0, len(names))
	for _, name := range names {
		raw, ok := supplied[name]
		if !ok {
			return nil, domain.Ef(domain.ErrBadRequest,
				"ad-hoc queries must supply a value for every placeholder; missing $%s", name)
		}
		defs = append(defs, domain.ParamDef{
			Name:     name,
			Type:     inferParamType(raw),
			Required: true,
		})
	}
	return defs, nil
}

func inferParamType(raw json.RawMessage) domain.ParamType {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, `"`):
		return domain.ParamString
	case trimmed == "true" || trimmed == "false":
		return domain.ParamBoolean
	case strings.ContainsAny(trimmed, ".eE"):
		return domain.ParamNumber
	default:
		return domain.ParamInteger
	}
}
