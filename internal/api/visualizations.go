package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
)

// VisualizationStore defines the persistence interface for visualizations.
type VisualizationStore interface {
	CreateVisualization(ctx context.Context, v *domain.Visualization) error
	GetVisualization(ctx context.Context, orgID, id uuid.UUID) (*domain.Visualization, error)
	ListVisualizations(ctx context.Context, orgID, queryID uuid.UUID) ([]domain.Visualization, error)
	UpdateVisualization(ctx context.Context, v *domain.Visualization) error
	DeleteVisualization(ctx context.Context, orgID, id uuid.UUID) error
}

// VisualizationRequest is the JSON body for visualization create and update.
type VisualizationRequest struct {
	QueryID uuid.UUID       `json:"query_id" validate:"required"`
	Name    string          `json:"name" validate:"required,min=1,max=128"`
	Kind    string          `json:"kind" validate:"required,oneof=table line bar area pie number"`
	Options json.RawMessage `json:"options"`
}

// HandleListVisualizations returns the org's visualizations, optionally
// filtered by ?query_id=.
func (s *Server) HandleListVisualizations(w http.ResponseWriter, r *http.Request) {
	var queryID uuid.UUID
	if v := r.URL.Query().Get("query_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, domain.E(domain.ErrBadRequest, "query_id must be a UUID"))
			return
		}
		queryID = id
	}
	list, err := s.Visualizations.ListVisualizations(r.Context(), principal(r).OrgID, queryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visualizations": list, "total": len(list)})
}

// HandleGetVisualization returns one visualization.
func (s *Server) HandleGetVisualization(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "visualizationID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.Visualizations.GetVisualization(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleCreateVisualization attaches a chart definition to a saved query.
func (s *Server) HandleCreateVisualization(w http.ResponseWriter, r *http.Request) {
	var req VisualizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID
	v, err := s.buildVisualization(r.Context(), &req, orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Visualizations.CreateVisualization(r.Context(), v); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// HandleUpdateVisualization replaces a visualization's definition.
func (s *Server) HandleUpdateVisualization(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "visualizationID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req VisualizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID

	existing, err := s.Visualizations.GetVisualization(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.buildVisualization(r.Context(), &req, orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	existing.QueryID = v.QueryID
	existing.Name = v.Name
	existing.Kind = v.Kind
	existing.Options = v.Options

	if err := s.Visualizations.UpdateVisualization(r.Context(), existing); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// HandleDeleteVisualization removes a visualization; tiles referencing it are
// removed with it.
func (s *Server) HandleDeleteVisualization(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "visualizationID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Visualizations.DeleteVisualization(r.Context(), principal(r).OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) buildVisualization(ctx context.Context, req *VisualizationRequest, orgID uuid.UUID) (*domain.Visualization, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	// The query must exist in the caller's org before anything references it.
	if _, err := s.Queries.GetQuery(ctx, orgID, req.QueryID); err != nil {
		return nil, err
	}
	options := req.Options
	if len(options) == 0 {
		options = json.RawMessage(`{}`)
	}
	return &domain.Visualization{
		OrgID:   orgID,
		QueryID: req.QueryID,
		Name:    req.Name,
		Kind:    domain.VisualizationKind(req.Kind),
		Options: options,
	}, nil
}
