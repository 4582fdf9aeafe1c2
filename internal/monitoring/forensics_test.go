package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

func seedEvents(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	add := func(typ models.EventType, sev models.Severity, user string, at time.Time) {
		e := &models.SecurityEvent{Type: typ, Severity: sev, UserID: user, Timestamp: at, Component: models.ComponentAccess}
		if typ == models.EventTamperDetected {
			e.Component = models.ComponentIntegrity
		}
		if err := f.mem.Events().Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	add(models.EventAccessGranted, models.SeverityLow, "alice", t0.Add(5*time.Minute))
	add(models.EventAccessGranted, models.SeverityLow, "alice", t0.Add(10*time.Minute))
	add(models.EventAccessDenied, models.SeverityMedium, "bob", t0.Add(70*time.Minute))
	add(models.EventTamperDetected, models.SeverityHigh, "", t0.Add(75*time.Minute))
	add(models.EventRecoveryFailed, models.SeverityCritical, "", t0.Add(80*time.Minute))
	add(models.EventAccessGranted, models.SeverityLow, "alice", t0.Add(3*time.Hour)) // outside range
}

func TestGenerateForensicReport(t *testing.T) {
	f := newFixture(t, nil)
	seedEvents(t, f)
	f.now = t0.Add(30 * time.Minute)
	if _, err := f.monitor.RaiseAlert(context.Background(), "manual", models.SeverityHigh, "", "in range", ""); err != nil {
		t.Fatal(err)
	}

	report, err := f.monitor.GenerateForensicReport(context.Background(),
		TimeRange{Start: t0, End: t0.Add(2 * time.Hour)}, ReportFilter{SampleSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	if report.TotalEvents != 5 {
		t.Errorf("total: %d", report.TotalEvents)
	}
	if report.BySeverity["low"] != 2 || report.BySeverity["critical"] != 1 {
		t.Errorf("by severity: %v", report.BySeverity)
	}
	if report.ByComponent[string(models.ComponentIntegrity)] != 1 {
		t.Errorf("by component: %v", report.ByComponent)
	}
	if len(report.Timeline) != 2 || report.Timeline[0].Count != 2 || report.Timeline[1].Count != 3 || report.Timeline[1].Critical != 1 {
		t.Errorf("timeline: %+v", report.Timeline)
	}
	if len(report.TopUsers) != 2 || report.TopUsers[0].UserID != "alice" || report.TopUsers[0].Count != 2 {
		t.Errorf("top users: %+v", report.TopUsers)
	}
	if len(report.Samples) != 2 || report.Samples[0].Severity != models.SeverityCritical || report.Samples[1].Severity != models.SeverityHigh {
		t.Errorf("samples: %+v", report.Samples)
	}
	if len(report.Alerts) != 1 {
		t.Errorf("alerts: %+v", report.Alerts)
	}
}

func TestGenerateForensicReport_Filtered(t *testing.T) {
	f := newFixture(t, nil)
	seedEvents(t, f)

	tests := []struct {
		name   string
		filter ReportFilter
		want   int
	}{
		{"by user", ReportFilter{UserID: "alice"}, 2},
		{"by type", ReportFilter{Types: []models.EventType{models.EventAccessDenied, models.EventTamperDetected}}, 2},
		{"by severity", ReportFilter{MinSeverity: models.SeverityHigh}, 2},
		{"by component", ReportFilter{Component: models.ComponentIntegrity}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := f.monitor.GenerateForensicReport(context.Background(),
				TimeRange{Start: t0, End: t0.Add(2 * time.Hour)}, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if report.TotalEvents != tt.want {
				t.Errorf("total: got %d, want %d", report.TotalEvents, tt.want)
			}
		})
	}
}

func TestGenerateForensicReport_InvalidRange(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.monitor.GenerateForensicReport(context.Background(), TimeRange{Start: t0, End: t0}, ReportFilter{})
	if !errors.Is(err, secerr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGenerateForensicReport_ReadOnly(t *testing.T) {
	f := newFixture(t, nil)
	seedEvents(t, f)
	f.now = t0.Add(4 * time.Hour)
	// A zero end means now.
	report, err := f.monitor.GenerateForensicReport(context.Background(), TimeRange{Start: t0}, ReportFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalEvents != 6 {
		t.Errorf("total: %d", report.TotalEvents)
	}
	if n := f.rec.Count(models.EventAlertRaised); n != 0 {
		t.Errorf("report emitted %d events", n)
	}
	if f.monitor.Stats().EventsIngested != 0 {
		t.Error("report must not ingest events")
	}
}
