package api

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
)

// DashboardStore defines the persistence interface for dashboards and their
// tiles.
type DashboardStore interface {
	CreateDashboard(ctx context.Context, d *domain.Dashboard) error
	GetDashboard(ctx context.Context, orgID, id uuid.UUID) (*domain.Dashboard, error)
	ListDashboards(ctx context.Context, orgID uuid.UUID) ([]domain.Dashboard, error)
	UpdateDashboard(ctx context.Context, d *domain.Dashboard) error
	DeleteDashboard(ctx context.Context, orgID, id uuid.UUID) error
	AddTile(ctx context.Context, t *domain.DashboardTile) error
	ListTiles(ctx context.Context, orgID, dashboardID uuid.UUID) ([]domain.DashboardTile, error)
	UpdateTilePosition(ctx context.Context, orgID, dashboardID, tileID uuid.UUID, position domain.TilePosition) (*domain.DashboardTile, error)
	DeleteTile(ctx context.Context, orgID, dashboardID, tileID uuid.UUID) error
}

// DashboardRequest is the JSON body for dashboard create and update. Slug is
// derived from the name when omitted.
type DashboardRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
	Slug string `json:"slug" validate:"omitempty,min=1,max=64"`
}

// AddTileRequest is the JSON body for POST /dashboards/{id}/tiles.
type AddTileRequest struct {
	VisualizationID uuid.UUID           `json:"visualization_id" validate:"required"`
	Position        domain.TilePosition `json:"position"`
}

// UpdateTileRequest is the JSON body for PUT /dashboards/{id}/tiles/{tileID}.
type UpdateTileRequest struct {
	Position domain.TilePosition `json:"position"`
}

// HandleListDashboards returns the org's dashboards.
func (s *Server) HandleListDashboards(w http.ResponseWriter, r *http.Request) {
	list, err := s.Dashboards.ListDashboards(r.Context(), principal(r).OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dashboards": list, "total": len(list)})
}

// HandleGetDashboard returns a dashboard together with its tiles.
func (s *Server) HandleGetDashboard(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID
	d, err := s.Dashboards.GetDashboard(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tiles, err := s.Dashboards.ListTiles(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dashboard": d, "tiles": tiles})
}

// HandleCreateDashboard creates an empty dashboard.
func (s *Server) HandleCreateDashboard(w http.ResponseWriter, r *http.Request) {
	var req DashboardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	p := principal(r)
	slug := req.Slug
	if slug == "" {
		slug = slugify(req.Name)
	}
	d := &domain.Dashboard{
		OrgID:     p.OrgID,
		Name:      req.Name,
		Slug:      slug,
		CreatedBy: &p.UserID,
	}
	if err := s.Dashboards.CreateDashboard(r.Context(), d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// HandleUpdateDashboard renames a dashboard. The slug is stable unless
// explicitly changed.
func (s *Server) HandleUpdateDashboard(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req DashboardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	d, err := s.Dashboards.GetDashboard(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d.Name = req.Name
	if req.Slug != "" {
		d.Slug = req.Slug
	}
	if err := s.Dashboards.UpdateDashboard(r.Context(), d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleDeleteDashboard removes a dashboard and its tiles.
func (s *Server) HandleDeleteDashboard(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Dashboards.DeleteDashboard(r.Context(), principal(r).OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddTile places a visualization on a dashboard. The visualization must
// belong to the same org; the store enforces it.
func (s *Server) HandleAddTile(w http.ResponseWriter, r *http.Request) {
	dashboardID, err := pathUUID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req AddTileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	t := &domain.DashboardTile{
		OrgID:           principal(r).OrgID,
		DashboardID:     dashboardID,
		VisualizationID: req.VisualizationID,
		Position:        req.Position,
	}
	if err := s.Dashboards.AddTile(r.Context(), t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// HandleUpdateTile moves or resizes a tile.
func (s *Server) HandleUpdateTile(w http.ResponseWriter, r *http.Request) {
	dashboardID, err := pathUUID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tileID, err := pathUUID(r, "tileID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req UpdateTileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.Dashboards.UpdateTilePosition(r.Context(), principal(r).OrgID, dashboardID, tileID, req.Position)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleDeleteTile removes a tile from a dashboard.
func (s *Server) HandleDeleteTile(w http.ResponseWriter, r *http.Request) {
	dashboardID, err := pathUUID(r, "dashboardID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tileID, err := pathUUID(r, "tileID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Dashboards.DeleteTile(r.Context(), principal(r).OrgID, dashboardID, tileID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// slugify lowercases a name and collapses anything non-alphanumeric to single
// hyphens: "Q3 Revenue / Churn" becomes "q3-revenue-churn".
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
