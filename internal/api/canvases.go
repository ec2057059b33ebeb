package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
)

// CanvasStore defines the persistence interface for canvases.
type CanvasStore interface {
	CreateCanvas(ctx context.Context, c *domain.Canvas) error
	GetCanvas(ctx context.Context, orgID, id uuid.UUID) (*domain.Canvas, error)
	ListCanvases(ctx context.Context, orgID uuid.UUID) ([]domain.Canvas, error)
	UpdateCanvas(ctx context.Context, c *domain.Canvas) error
	DeleteCanvas(ctx context.Context, orgID, id uuid.UUID) error
}

// CanvasRequest is the JSON body for canvas create and update. Nodes and
// edges are stored as opaque JSON; the frontend owns their shape.
type CanvasRequest struct {
	Name  string          `json:"name" validate:"required,min=1,max=128"`
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

// HandleListCanvases returns the org's canvases.
func (s *Server) HandleListCanvases(w http.ResponseWriter, r *http.Request) {
	list, err := s.Canvases.ListCanvases(r.Context(), principal(r).OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canvases": list, "total": len(list)})
}

// HandleGetCanvas returns one canvas.
func (s *Server) HandleGetCanvas(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "canvasID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.Canvases.GetCanvas(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleCreateCanvas creates a freeform canvas.
func (s *Server) HandleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	var req CanvasRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	p := principal(r)
	c := &domain.Canvas{
		OrgID:     p.OrgID,
		Name:      req.Name,
		Nodes:     orEmptyArray(req.Nodes),
		Edges:     orEmptyArray(req.Edges),
		CreatedBy: &p.UserID,
	}
	if err := s.Canvases.CreateCanvas(r.Context(), c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleUpdateCanvas replaces a canvas's name and layout.
func (s *Server) HandleUpdateCanvas(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "canvasID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req CanvasRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := s.Canvases.GetCanvas(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c.Name = req.Name
	c.Nodes = orEmptyArray(req.Nodes)
	c.Edges = orEmptyArray(req.Edges)

	if err := s.Canvases.UpdateCanvas(r.Context(), c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleDeleteCanvas removes a canvas.
func (s *Server) HandleDeleteCanvas(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "canvasID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Canvases.DeleteCanvas(r.Context(), principal(r).OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`[]`)
	}
	return raw
}
