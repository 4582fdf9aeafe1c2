package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/alarmvault/internal/api/middleware"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/orchestrator"
)

// AlarmRequest is the body of a create request. OwnerID is honored only for
// privileged callers.
type AlarmRequest struct {
	OwnerID       string         `json:"owner_id,omitempty"`
	Label         string         `json:"label"`
	Hour          int            `json:"hour"`
	Minute        int            `json:"minute"`
	Days          []time.Weekday `json:"days,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	Enabled       bool           `json:"enabled"`
	SnoozeMinutes int            `json:"snooze_minutes,omitempty"`
	Payload       []byte         `json:"payload,omitempty"`
}

func (req *AlarmRequest) record() *models.AlarmRecord {
	return &models.AlarmRecord{
		OwnerID:       req.OwnerID,
		Label:         req.Label,
		Hour:          req.Hour,
		Minute:        req.Minute,
		Days:          req.Days,
		Timezone:      req.Timezone,
		Enabled:       req.Enabled,
		SnoozeMinutes: req.SnoozeMinutes,
		Payload:       req.Payload,
	}
}

func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req AlarmRequest
	if apiErr := decodeJSON(w, r, &req, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	rec, err := s.svc.Orchestrator.CreateAlarmSecurely(r.Context(), middleware.GetAccessContext(r.Context()), req.record())
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, rec)
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Orchestrator.RetrieveAlarmSecurely(r.Context(), middleware.GetAccessContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, rec)
}

func (s *Server) handleUpdateAlarm(w http.ResponseWriter, r *http.Request) {
	var changes orchestrator.AlarmChanges
	if apiErr := decodeJSON(w, r, &changes, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	rec, err := s.svc.Orchestrator.UpdateAlarmSecurely(r.Context(), middleware.GetAccessContext(r.Context()), chi.URLParam(r, "id"), changes)
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, rec)
}

func (s *Server) handleDeleteAlarm(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Orchestrator.DeleteAlarmSecurely(r.Context(), middleware.GetAccessContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}
