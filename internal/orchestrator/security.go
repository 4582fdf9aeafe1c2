package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// Health is a coarse component state.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

func (h Health) rank() int {
	switch h {
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 2
	}
	return 0
}

// ComponentStatus is the health of one component.
type ComponentStatus struct {
	Health Health         `json:"health"`
	Detail string         `json:"detail,omitempty"`
	Info   map[string]any `json:"info,omitempty"`
}

// SecurityStatus aggregates component health.
type SecurityStatus struct {
	Overall    Health                     `json:"overall"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentStatus `json:"components"`
}

// GetSecurityStatus reports the health of every configured component. It
// does not modify state.
func (o *Orchestrator) GetSecurityStatus(ctx context.Context) SecurityStatus {
	st := SecurityStatus{
		Overall:    HealthHealthy,
		CheckedAt:  o.now().UTC(),
		Components: make(map[string]ComponentStatus),
	}
	set := func(c models.Component, cs ComponentStatus) {
		st.Components[string(c)] = cs
		if cs.Health.rank() > st.Overall.rank() {
			st.Overall = cs.Health
		}
	}

	sctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if stats, err := o.store.Stats(sctx); err != nil {
		set(models.ComponentStore, ComponentStatus{Health: HealthUnhealthy, Detail: err.Error()})
	} else {
		cs := ComponentStatus{Health: HealthHealthy, Info: map[string]any{
			"live":        stats.Live,
			"deleted":     stats.Deleted,
			"quarantined": stats.Quarantined,
			"violations":  stats.Violations,
			"restored":    stats.Restored,
		}}
		if stats.Quarantined > 0 {
			cs.Health = HealthDegraded
			cs.Detail = strconv.FormatInt(stats.Quarantined, 10) + " quarantined records"
		}
		set(models.ComponentStore, cs)
	}

	set(models.ComponentAccess, ComponentStatus{Health: HealthHealthy, Info: map[string]any{
		"active_sessions": len(o.access.ActiveSessions()),
		"session_ttl":     o.access.SessionTTL().String(),
	}})

	set(models.ComponentRateLimiter, ComponentStatus{Health: HealthHealthy, Info: map[string]any{
		"limit_user":  o.limiter.LimitFor(models.RoleUser),
		"limit_admin": o.limiter.LimitFor(models.RoleAdmin),
		"max_bypass":  o.limiter.MaxBypass().String(),
	}})

	if o.integrity != nil {
		stats := o.integrity.SchedulerStats()
		cs := ComponentStatus{Health: HealthHealthy, Info: map[string]any{
			"running":  o.integrity.Running(),
			"runs":     stats.Runs,
			"last_run": stats.LastRun,
		}}
		switch {
		case !o.integrity.Running():
			cs.Health, cs.Detail = HealthDegraded, "scheduler not running"
		case stats.ConsecutiveFailures > 0:
			cs.Health, cs.Detail = HealthDegraded, stats.LastError
		}
		if last := o.integrity.LastReport(); last != nil {
			cs.Info["last_checked"] = last.Checked
			cs.Info["last_tampered"] = last.Tampered
			if last.Quarantined > 0 {
				cs.Health, cs.Detail = HealthDegraded, strconv.Itoa(last.Quarantined)+" records quarantined in last cycle"
			}
		}
		set(models.ComponentIntegrity, cs)
	}

	if o.backups != nil {
		bs := o.backups.Status(sctx)
		healthy := 0
		var failed []string
		for _, loc := range bs.Locations {
			if loc.Healthy {
				healthy++
			} else {
				failed = append(failed, loc.Name)
			}
		}
		cs := ComponentStatus{Health: HealthHealthy, Info: map[string]any{
			"locations": bs.Locations,
			"running":   bs.Running,
		}}
		if bs.LastRun != nil {
			cs.Info["last_run"] = bs.LastRun.StartedAt
		}
		switch {
		case healthy == 0:
			cs.Health, cs.Detail = HealthUnhealthy, "no healthy backup location"
		case len(failed) > 0:
			cs.Health, cs.Detail = HealthDegraded, "unhealthy locations: "+strings.Join(failed, ", ")
		case !bs.Running:
			cs.Health, cs.Detail = HealthDegraded, "scheduler not running"
		}
		set(models.ComponentBackup, cs)
	}

	if o.monitor != nil {
		ms := o.monitor.Stats()
		cs := ComponentStatus{Health: HealthHealthy, Info: map[string]any{
			"events_ingested": ms.EventsIngested,
			"alerts_raised":   ms.AlertsRaised,
			"signatures":      ms.Signatures,
		}}
		switch {
		case ms.EventsLost > 0:
			cs.Health, cs.Detail = HealthDegraded, strconv.FormatInt(ms.EventsLost, 10)+" events not analyzed"
		case ms.AlertsDropped > 0:
			cs.Health, cs.Detail = HealthDegraded, strconv.FormatInt(ms.AlertsDropped, 10)+" alerts dropped"
		}
		set(models.ComponentMonitoring, cs)
	}

	return st
}

// DiagnosticCheck is the outcome of one self-test.
type DiagnosticCheck struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// DiagnosticsReport lists the self-tests that ran.
type DiagnosticsReport struct {
	RanAt  time.Time         `json:"ran_at"`
	Passed bool              `json:"passed"`
	Checks []DiagnosticCheck `json:"checks"`
}

// RunSecurityDiagnostics runs the component self-tests: an encrypt/decrypt
// round trip, a forced rate-limit probe, and backup sealing plus verification
// of the newest stored snapshots. It never writes records or snapshots other
// than verification status.
func (o *Orchestrator) RunSecurityDiagnostics(ctx context.Context, ac *models.AccessContext) (*DiagnosticsReport, error) {
	if err := o.authorize(ctx, models.OpDiagnostics, ac, ""); err != nil {
		return nil, o.failure(ctx, models.OpDiagnostics, ac, "", err)
	}

	report := &DiagnosticsReport{RanAt: o.now().UTC(), Passed: true}
	check := func(name string, fn func(context.Context) error) {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, o.timeout)
		err := fn(cctx)
		cancel()
		c := DiagnosticCheck{Name: name, Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			c.Detail = err.Error()
			report.Passed = false
		}
		report.Checks = append(report.Checks, c)
	}

	check("encryption_roundtrip", o.store.SelfTest)
	check("rate_limit_probe", o.limiter.Probe)
	if o.backups != nil {
		check("backup_selftest", o.backups.SelfTest)
		check("backup_verify", o.verifyNewestBackups)
	}

	sev := models.SeverityLow
	details := map[string]string{}
	for _, c := range report.Checks {
		details[c.Name] = strconv.FormatBool(c.Passed)
	}
	if !report.Passed {
		sev = models.SeverityHigh
	}
	o.audit(ctx, models.EventDiagnosticsExecuted, sev, models.OpDiagnostics, ac, "", details)
	return report, nil
}

// verifyNewestBackups re-verifies the newest snapshot per location of the
// first live record. With no records there is nothing to verify.
func (o *Orchestrator) verifyNewestBackups(ctx context.Context) error {
	ids, err := o.store.IDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	snaps, err := o.backups.Snapshots(ctx, ids[0])
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	var errs []error
	for _, snap := range snaps {
		if seen[snap.Location] {
			continue
		}
		seen[snap.Location] = true
		ok, err := o.backups.VerifyBackupIntegrity(ctx, snap)
		if err != nil {
			errs = append(errs, err)
		} else if !ok {
			errs = append(errs, fmt.Errorf("snapshot %s at %s failed verification", snap.ID, snap.Location))
		}
	}
	return errors.Join(errs...)
}

// EmergencyBypass lets a privileged caller skip rate limiting for op for the
// longest permitted bypass. Other operations stay limited and access checks
// still apply. The grant is always logged as a high-severity event.
func (o *Orchestrator) EmergencyBypass(ctx context.Context, ac *models.AccessContext, justification string, op models.Operation) (time.Time, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return time.Time{}, o.failure(ctx, models.OpBypass, ac, "", secerr.WithStage(secerr.Validation("justification is required"), StageResolve))
	}
	if op == "" {
		return time.Time{}, o.failure(ctx, models.OpBypass, ac, "", secerr.WithStage(secerr.Validation("operation is required"), StageResolve))
	}
	if err := o.stage(ctx, StageAccess, func(ctx context.Context) error {
		return o.access.ValidateAccess(ctx, ac, models.OpBypass, "")
	}); err != nil {
		return time.Time{}, o.failure(ctx, models.OpBypass, ac, "", err)
	}

	until, err := o.limiter.SetBypass(models.RateLimitKey{UserID: ac.UserID, Operation: op}, ac.UserID, justification, o.limiter.MaxBypass())
	if err != nil {
		return time.Time{}, o.failure(ctx, models.OpBypass, ac, "", secerr.WithStage(err, StageRateLimit))
	}

	o.audit(ctx, models.EventEmergencyBypass, models.SeverityHigh, op, ac, "", map[string]string{
		"justification": justification,
		"until":         until.UTC().Format(time.RFC3339),
		"role":          string(ac.Role),
	})
	return until, nil
}
