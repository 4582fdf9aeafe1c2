package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

const (
	defaultSampleSize = 20
	topUserCount      = 10
	reportPageSize    = 1000
)

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReportFilter narrows a forensic report.
type ReportFilter struct {
	UserID      string             `json:"user_id,omitempty"`
	RecordID    string             `json:"record_id,omitempty"`
	Component   models.Component   `json:"component,omitempty"`
	Types       []models.EventType `json:"types,omitempty"`
	MinSeverity models.Severity    `json:"min_severity,omitempty"`
	SampleSize  int                `json:"sample_size,omitempty"`
}

// TimelineBucket counts events in one hour.
type TimelineBucket struct {
	Hour     time.Time `json:"hour"`
	Count    int       `json:"count"`
	Critical int       `json:"critical"`
}

// UserCount is one row of the top-users table.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// ForensicReport aggregates the event log over a time range.
type ForensicReport struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Range       TimeRange               `json:"range"`
	Filter      ReportFilter            `json:"filter"`
	TotalEvents int                     `json:"total_events"`
	BySeverity  map[string]int          `json:"by_severity"`
	ByType      map[string]int          `json:"by_type"`
	ByComponent map[string]int          `json:"by_component"`
	ByUser      map[string]int          `json:"by_user"`
	Timeline    []TimelineBucket        `json:"timeline"`
	TopUsers    []UserCount             `json:"top_users"`
	Samples     []*models.SecurityEvent `json:"samples"`
	Alerts      []*models.Alert         `json:"alerts"`
}

// GenerateForensicReport aggregates matching events in tr. It only reads.
func (m *Monitor) GenerateForensicReport(ctx context.Context, tr TimeRange, filter ReportFilter) (*ForensicReport, error) {
	if tr.End.IsZero() {
		tr.End = m.now().UTC()
	}
	if !tr.End.After(tr.Start) {
		return nil, secerr.Validation("time range end must be after start")
	}
	if filter.SampleSize <= 0 {
		filter.SampleSize = defaultSampleSize
	}

	report := &ForensicReport{
		GeneratedAt: m.now().UTC(),
		Range:       tr,
		Filter:      filter,
		BySeverity:  make(map[string]int),
		ByType:      make(map[string]int),
		ByComponent: make(map[string]int),
		ByUser:      make(map[string]int),
	}
	hours := make(map[time.Time]*TimelineBucket)

	q := storage.EventFilter{
		Since:       tr.Start,
		Until:       tr.End,
		Types:       filter.Types,
		Component:   filter.Component,
		UserID:      filter.UserID,
		RecordID:    filter.RecordID,
		MinSeverity: filter.MinSeverity,
		Limit:       reportPageSize,
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := m.eventLog.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		for _, e := range page {
			report.add(e, hours, filter.SampleSize)
		}
		if len(page) < reportPageSize {
			break
		}
		q.AfterID = page[len(page)-1].ID
	}

	for _, b := range hours {
		report.Timeline = append(report.Timeline, *b)
	}
	sort.Slice(report.Timeline, func(i, j int) bool { return report.Timeline[i].Hour.Before(report.Timeline[j].Hour) })

	for u, n := range report.ByUser {
		report.TopUsers = append(report.TopUsers, UserCount{UserID: u, Count: n})
	}
	sort.Slice(report.TopUsers, func(i, j int) bool {
		if report.TopUsers[i].Count != report.TopUsers[j].Count {
			return report.TopUsers[i].Count > report.TopUsers[j].Count
		}
		return report.TopUsers[i].UserID < report.TopUsers[j].UserID
	})
	if len(report.TopUsers) > topUserCount {
		report.TopUsers = report.TopUsers[:topUserCount]
	}

	alerts, err := m.alerts.List(ctx, storage.AlertFilter{UserID: filter.UserID})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	for _, a := range alerts {
		if !a.CreatedAt.Before(tr.Start) && a.CreatedAt.Before(tr.End) {
			report.Alerts = append(report.Alerts, a)
		}
	}
	return report, nil
}

func (r *ForensicReport) add(e *models.SecurityEvent, hours map[time.Time]*TimelineBucket, sampleSize int) {
	r.TotalEvents++
	r.BySeverity[string(e.Severity)]++
	r.ByType[string(e.Type)]++
	r.ByComponent[string(e.Component)]++
	if e.UserID != "" {
		r.ByUser[e.UserID]++
	}

	hour := e.Timestamp.UTC().Truncate(time.Hour)
	b, ok := hours[hour]
	if !ok {
		b = &TimelineBucket{Hour: hour}
		hours[hour] = b
	}
	b.Count++
	if e.Severity == models.SeverityCritical {
		b.Critical++
	}

	// Samples keep the most severe events, earliest first within a severity.
	if len(r.Samples) == sampleSize && e.Severity.Rank() <= r.Samples[len(r.Samples)-1].Severity.Rank() {
		return
	}
	r.Samples = append(r.Samples, e)
	sort.SliceStable(r.Samples, func(i, j int) bool {
		return r.Samples[i].Severity.Rank() > r.Samples[j].Severity.Rank()
	})
	if len(r.Samples) > sampleSize {
		r.Samples = r.Samples[:sampleSize]
	}
}
