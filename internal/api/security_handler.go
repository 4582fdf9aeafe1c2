package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/alarmvault/internal/api/middleware"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/monitoring"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

const (
	defaultAlertLimit  = 100
	maxAlertLimit      = 1000
	defaultReportRange = 24 * time.Hour
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	OK(w, s.svc.Orchestrator.GetSecurityStatus(r.Context()))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Orchestrator.RunSecurityDiagnostics(r.Context(), middleware.GetAccessContext(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, report)
}

// BypassRequest is the body of an emergency bypass request.
type BypassRequest struct {
	Justification string           `json:"justification"`
	Operation     models.Operation `json:"operation"`
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req BypassRequest
	if apiErr := decodeJSON(w, r, &req, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	until, err := s.svc.Orchestrator.EmergencyBypass(r.Context(), middleware.GetAccessContext(r.Context()), req.Justification, req.Operation)
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, BypassResponse{Until: until})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AlertFilter{
		Status: models.AlertStatus(q.Get("status")),
		UserID: q.Get("user_id"),
		Limit:  defaultAlertLimit,
	}
	switch filter.Status {
	case "", models.AlertOpen, models.AlertAcknowledged, models.AlertResolved, models.AlertExpired:
	default:
		JSONError(w, NewValidationError("unknown alert status "+strconv.Quote(string(filter.Status))))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAlertLimit {
			JSONError(w, NewValidationError("limit must be between 1 and "+strconv.Itoa(maxAlertLimit)))
			return
		}
		filter.Limit = n
	}

	alerts, err := s.svc.Monitor.Alerts(r.Context(), filter)
	if err != nil {
		WriteError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	OK(w, alerts)
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Monitor.Acknowledge(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, a)
}

// ResolveRequest is the optional body of an alert resolution.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if apiErr := decodeJSON(w, r, &req, true); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	a, err := s.svc.Monitor.Resolve(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), strings.TrimSpace(req.Resolution))
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, a)
}

// parseReportQuery reads the time range and filter of a forensic report.
// The range defaults to the last 24 hours.
func parseReportQuery(r *http.Request, now time.Time) (monitoring.TimeRange, monitoring.ReportFilter, *Error) {
	q := r.URL.Query()
	tr := monitoring.TimeRange{End: now.UTC()}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, monitoring.ReportFilter{}, NewValidationError("end must be RFC3339")
		}
		tr.End = t.UTC()
	}
	tr.Start = tr.End.Add(-defaultReportRange)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, monitoring.ReportFilter{}, NewValidationError("start must be RFC3339")
		}
		tr.Start = t.UTC()
	}

	filter := monitoring.ReportFilter{
		UserID:    q.Get("user_id"),
		RecordID:  q.Get("record_id"),
		Component: models.Component(q.Get("component")),
	}
	if v := q.Get("min_severity"); v != "" {
		filter.MinSeverity = models.ParseSeverity(v)
	}
	if v := q.Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, models.EventType(t))
			}
		}
	}
	if v := q.Get("samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return tr, filter, NewValidationError("samples must be a non-negative integer")
		}
		filter.SampleSize = n
	}
	return tr, filter, nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	tr, filter, apiErr := parseReportQuery(r, time.Now())
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	report, err := s.svc.Monitor.GenerateForensicReport(r.Context(), tr, filter)
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, report)
}

// handleCreateBackup runs a backup now. A run that stored some snapshots but
// failed at some locations still reports success, with the failure count.
func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.Backups.CreateBackup(r.Context())
	if err != nil && len(snaps) == 0 {
		WriteError(w, err)
		return
	}

	resp := BackupResponse{Snapshots: len(snaps), ByLocation: make(map[string]int), CompletedAt: time.Now().UTC()}
	for _, snap := range snaps {
		resp.ByLocation[snap.Location]++
	}
	if err != nil {
		resp.Failures = 1
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			resp.Failures = len(joined.Unwrap())
		}
		log.Printf("api: backup by %s partially failed: %v", middleware.GetUserID(r.Context()), err)
	}
	Created(w, resp)
}
