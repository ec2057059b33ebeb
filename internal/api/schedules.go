package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/cronspec"
	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/params"
)

// ScheduleStore defines the persistence interface for schedules. Firing due
// schedules belongs to the scheduler binary, not here.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sch *domain.Schedule) error
	GetSchedule(ctx context.Context, orgID, id uuid.UUID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, orgID uuid.UUID) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sch *domain.Schedule) error
	SetScheduleEnabled(ctx context.Context, orgID, id uuid.UUID, enabled bool, nextRunAt *time.Time) (*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, orgID, id uuid.UUID) error
}

// ScheduleRequest is the JSON body for schedule create and update.
type ScheduleRequest struct {
	QueryID        uuid.UUID                  `json:"query_id" validate:"required"`
	CronExpression string                     `json:"cron_expression" validate:"required"`
	Parameters     map[string]json.RawMessage `json:"parameters"`
	Enabled        *bool                      `json:"enabled"`
}

// HandleListSchedules returns the org's schedules.
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.Schedules.ListSchedules(r.Context(), principal(r).OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list, "total": len(list)})
}

// HandleGetSchedule returns one schedule.
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sch, err := s.Schedules.GetSchedule(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// HandleCreateSchedule attaches a cron schedule to a saved query. The stored
// parameters are dry-run bound against the query schema so a broken schedule
// is rejected here rather than discovered at fire time.
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)
	sch, err := s.buildSchedule(r.Context(), &req, p.OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sch.CreatedBy = &p.UserID

	if err := s.Schedules.CreateSchedule(r.Context(), sch); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// HandleUpdateSchedule replaces a schedule's query, cron expression, and
// parameters. The scheduler recomputes next_run_at from the new expression
// on its next pass, so it is cleared here.
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID

	existing, err := s.Schedules.GetSchedule(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sch, err := s.buildSchedule(r.Context(), &req, orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	existing.QueryID = sch.QueryID
	existing.CronExpression = sch.CronExpression
	existing.Parameters = sch.Parameters
	existing.Enabled = sch.Enabled
	existing.NextRunAt = nil

	if err := s.Schedules.UpdateSchedule(r.Context(), existing); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// HandleEnableSchedule turns a schedule on and seeds next_run_at so the
// scheduler picks it up on its next poll.
func (s *Server) HandleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

// HandleDisableSchedule turns a schedule off. next_run_at is cleared so a
// re-enable never fires a stale tick.
func (s *Server) HandleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID

	var nextRunAt *time.Time
	if enabled {
		sch, err := s.Schedules.GetSchedule(r.Context(), orgID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next, err := cronspec.Next(sch.CronExpression, time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		nextRunAt = &next
	}

	sch, err := s.Schedules.SetScheduleEnabled(r.Context(), orgID, id, enabled, nextRunAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// HandleDeleteSchedule removes a schedule. Past runs it created remain.
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "scheduleID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Schedules.DeleteSchedule(r.Context(), principal(r).OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) buildSchedule(ctx context.Context, req *ScheduleRequest, orgID uuid.UUID) (*domain.Schedule, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := cronspec.Validate(req.CronExpression); err != nil {
		return nil, err
	}

	query, err := s.Queries.GetQuery(ctx, orgID, req.QueryID)
	if err != nil {
		return nil, err
	}
	if _, _, err := params.Bind(query.SQL, query.Parameters, req.Parameters); err != nil {
		return nil, err
	}

	stored, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, domain.Wrap(domain.ErrInternal, "encode schedule parameters", err)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &domain.Schedule{
		OrgID:          orgID,
		QueryID:        query.ID,
		CronExpression: req.CronExpression,
		Parameters:     stored,
		Enabled:        enabled,
	}, nil
}
