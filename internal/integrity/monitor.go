// Package integrity periodically verifies stored records and recovers
// tampered ones from verified backups.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/scheduler"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// DefaultInterval is the time between verification cycles.
const DefaultInterval = 5 * time.Minute

// RecordStore is the part of the Secure Store the monitor needs.
type RecordStore interface {
	IDs(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, id string) error
	Restore(ctx context.Context, rec *models.AlarmRecord) (*models.EncryptedBlob, error)
	Quarantine(ctx context.Context, id, reason string) error
}

// Recoverer produces the last known good version of a record.
type Recoverer interface {
	PerformDisasterRecovery(ctx context.Context, recordID string) (*models.AlarmRecord, error)
}

// CycleReport summarizes one verification cycle.
type CycleReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Checked     int           `json:"checked"`
	Tampered    int           `json:"tampered"`
	Recovered   int           `json:"recovered"`
	Quarantined int           `json:"quarantined"`
	Skipped     int           `json:"skipped"`
	Errors      int           `json:"errors"`
}

// Monitor verifies every live record on an interval. It is the only component
// that rewrites records outside the secure-operation pipeline.
type Monitor struct {
	store   RecordStore
	backups Recoverer
	events  events.Emitter
	sched   *scheduler.Scheduler
	group   singleflight.Group

	mu   sync.RWMutex
	last *CycleReport
}

// New creates a monitor. An interval of zero uses DefaultInterval.
func New(store RecordStore, backups Recoverer, emitter events.Emitter, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		store:   store,
		backups: backups,
		events:  emitter,
	}
	m.sched = scheduler.New(scheduler.Config{Name: "integrity", Interval: interval}, func(ctx context.Context) error {
		_, err := m.RunCycle(ctx)
		return err
	})
	return m
}

// Start begins periodic verification.
func (m *Monitor) Start(ctx context.Context) {
	m.sched.Start(ctx)
}

// Stop halts verification and waits for a running cycle to end.
func (m *Monitor) Stop() {
	m.sched.Stop()
}

// Running reports whether the scheduler is active.
func (m *Monitor) Running() bool {
	return m.sched.Running()
}

// SchedulerStats returns run counters of the background loop.
func (m *Monitor) SchedulerStats() scheduler.Stats {
	return m.sched.Stats()
}

// LastReport returns the most recent cycle report, or nil.
func (m *Monitor) LastReport() *CycleReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}

// RunCycle verifies every live record once. Tampered records are recovered;
// per-record failures are counted rather than aborting the cycle.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: time.Now().UTC()}

	ids, err := m.store.IDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list records: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		err := m.store.Verify(ctx, id)
		switch {
		case err == nil:
			continue
		case errors.Is(err, secerr.ErrNotFound), errors.Is(err, secerr.ErrQuarantined):
			report.Skipped++
			continue
		case !errors.Is(err, secerr.ErrIntegrityViolation):
			report.Errors++
			log.Printf("integrity: verify %s: %v", id, err)
			continue
		}

		report.Tampered++
		switch err := m.Recover(ctx, id); {
		case err == nil:
			report.Recovered++
		case errors.Is(err, secerr.ErrRecoveryFailed):
			report.Quarantined++
		default:
			report.Errors++
			log.Printf("integrity: recover %s: %v", id, err)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	metrics.IntegrityCycles.Inc()

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	severity := models.SeverityLow
	if report.Tampered > 0 {
		severity = models.SeverityMedium
	}
	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventIntegrityCycle,
		Severity:  severity,
		Component: models.ComponentIntegrity,
		Details: map[string]string{
			"checked":     strconv.Itoa(report.Checked),
			"tampered":    strconv.Itoa(report.Tampered),
			"recovered":   strconv.Itoa(report.Recovered),
			"quarantined": strconv.Itoa(report.Quarantined),
		},
	})
	return report, nil
}

// Recover restores a tampered record from backup, or quarantines it when no
// verified backup exists. Concurrent calls for the same id share one attempt.
// A record that verifies cleanly is left alone.
func (m *Monitor) Recover(ctx context.Context, id string) error {
	_, err, _ := m.group.Do(id, func() (any, error) {
		return nil, m.recover(ctx, id)
	})
	return err
}

func (m *Monitor) recover(ctx context.Context, id string) error {
	err := m.store.Verify(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, secerr.ErrIntegrityViolation) {
		return err
	}

	cause := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		cause = inner.Error()
	}
	metrics.TamperDetections.Inc()
	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventTamperDetected,
		Severity:  models.SeverityHigh,
		Component: models.ComponentIntegrity,
		RecordID:  id,
		Details:   map[string]string{"cause": cause},
	})

	rec, err := m.backups.PerformDisasterRecovery(ctx, id)
	if err == nil {
		_, err = m.store.Restore(ctx, rec)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("recover %s: %w", id, ctxErr)
		}
		return m.fail(ctx, id, err)
	}

	metrics.Recoveries.WithLabelValues("recovered").Inc()
	log.Printf("integrity: recovered record %s", id)
	return nil
}

// fail quarantines a record that could not be recovered.
func (m *Monitor) fail(ctx context.Context, id string, cause error) error {
	reason := "recovery failed"
	if errors.Is(cause, secerr.ErrBackupUnavailable) {
		reason = "no verified backup"
	}
	if err := m.store.Quarantine(ctx, id, reason); err != nil {
		log.Printf("integrity: quarantine %s: %v", id, err)
	}

	metrics.Recoveries.WithLabelValues("quarantined").Inc()
	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRecoveryFailed,
		Severity:  models.SeverityCritical,
		Component: models.ComponentIntegrity,
		RecordID:  id,
		Details:   map[string]string{"reason": reason, "error": cause.Error()},
	})
	return secerr.RecoveryFailed(id, cause)
}

func (m *Monitor) emit(ctx context.Context, e *models.SecurityEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Emit(ctx, e); err != nil {
		log.Printf("integrity: emit %s: %v", e.Type, err)
	}
}
