// Package monitoring watches the security event stream for threat
// signatures, keeps the alert review queue and builds forensic reports.
package monitoring

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

const (
	DefaultAlertTTL    = 24 * time.Hour
	DefaultAlertBuffer = 100
	sweepInterval      = time.Minute

	// SignatureEventLoss names alerts raised when events bypassed analysis.
	SignatureEventLoss = "event-loss"
)

// Mitigator applies automatic countermeasures.
type Mitigator interface {
	RevokeUser(ctx context.Context, userID, reason string) (int, error)
}

// Options configures a Monitor.
type Options struct {
	AlertTTL    time.Duration // open non-critical alerts expire after this (default: 24h)
	AlertBuffer int           // alert channel capacity (default: 100)
}

func (o *Options) setDefaults() {
	if o.AlertTTL <= 0 {
		o.AlertTTL = DefaultAlertTTL
	}
	if o.AlertBuffer <= 0 {
		o.AlertBuffer = DefaultAlertBuffer
	}
}

// Stats tracks monitor counters.
type Stats struct {
	EventsIngested   atomic.Int64
	SignatureMatches atomic.Int64
	AlertsRaised     atomic.Int64
	AlertsSuppressed atomic.Int64
	AlertsDropped    atomic.Int64
	Mitigations      atomic.Int64
	EventsLost       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	EventsIngested   int64 `json:"events_ingested"`
	SignatureMatches int64 `json:"signature_matches"`
	AlertsRaised     int64 `json:"alerts_raised"`
	AlertsSuppressed int64 `json:"alerts_suppressed"`
	AlertsDropped    int64 `json:"alerts_dropped"`
	Mitigations      int64 `json:"mitigations"`
	EventsLost       int64 `json:"events_lost"`
	ActiveWindows    int   `json:"active_windows"`
	Signatures       int   `json:"signatures"`
}

// Monitor ingests security events, matches threat signatures and manages alerts.
type Monitor struct {
	eventLog  storage.EventRepository
	alerts    storage.AlertRepository
	events    events.Emitter
	mitigator Mitigator
	opts      Options
	now       func() time.Time

	mu         sync.RWMutex
	signatures []*ThreatSignature

	windows   *windowManager
	cooldowns *cooldownManager
	counters  rollingCounters
	stats     Stats

	sendMu sync.RWMutex
	ch     chan *models.Alert
	closed bool
}

// New creates a monitor. A nil signature list installs DefaultSignatures.
func New(eventLog storage.EventRepository, alerts storage.AlertRepository, emitter events.Emitter, mitigator Mitigator, sigs []*ThreatSignature, opts Options) (*Monitor, error) {
	if eventLog == nil || alerts == nil {
		return nil, fmt.Errorf("monitoring: event log and alert repository are required")
	}
	if sigs == nil {
		sigs = DefaultSignatures()
	}
	for _, s := range sigs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	opts.setDefaults()
	return &Monitor{
		eventLog:   eventLog,
		alerts:     alerts,
		events:     emitter,
		mitigator:  mitigator,
		opts:       opts,
		now:        time.Now,
		signatures: sigs,
		windows:    newWindowManager(),
		cooldowns:  newCooldownManager(),
		ch:         make(chan *models.Alert, opts.AlertBuffer),
	}, nil
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// AlertChannel delivers raised alerts. It is closed by Close.
func (m *Monitor) AlertChannel() <-chan *models.Alert {
	return m.ch
}

// Signatures returns the active signature set.
func (m *Monitor) Signatures() []*ThreatSignature {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ThreatSignature, len(m.signatures))
	copy(out, m.signatures)
	return out
}

// ReloadSignatures replaces the signature set and clears matching state.
func (m *Monitor) ReloadSignatures(sigs []*ThreatSignature) error {
	for _, s := range sigs {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures = sigs
	m.windows.deleteAll()
	m.cooldowns.clearAll()
	return nil
}

// Ingest evaluates one event against every signature and returns the alerts it raised.
func (m *Monitor) Ingest(ctx context.Context, e *models.SecurityEvent) []*models.Alert {
	// The monitor's own events never feed back into matching.
	if e == nil || e.Component == models.ComponentMonitoring {
		return nil
	}
	at := e.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	m.stats.EventsIngested.Add(1)
	m.counters.observe(e, at)

	m.mu.RLock()
	sigs := m.signatures
	m.mu.RUnlock()

	var raised []*models.Alert
	for _, sig := range sigs {
		if !sig.IsEnabled() || !sig.relevant(e) {
			continue
		}
		group, ok := sig.groupKey(e)
		if !ok {
			continue
		}
		key := windowKey(sig.Name, group)
		entries := m.windows.getOrCreate(key, sig.WindowDuration()).add(entry{at: at, typ: e.Type, id: e.ID})
		if !sig.complete(entries) {
			continue
		}
		m.stats.SignatureMatches.Add(1)

		if m.cooldowns.active(key, at) {
			m.stats.AlertsSuppressed.Add(1)
			continue
		}
		if d := sig.CooldownDuration(); d > 0 {
			m.cooldowns.set(key, d, at)
		}
		// Matched events do not count toward the next alert.
		m.windows.reset(key)

		raised = append(raised, m.raiseForSignature(ctx, sig, e, entries))
	}
	return raised
}

func (m *Monitor) raiseForSignature(ctx context.Context, sig *ThreatSignature, trigger *models.SecurityEvent, entries []entry) *models.Alert {
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Signature: sig.Name,
		Severity:  sig.Severity,
		Status:    models.AlertOpen,
		CreatedAt: m.now().UTC(),
	}
	if sig.Scope == ScopeUser {
		alert.UserID = trigger.UserID
	}
	for _, en := range entries {
		if en.id != 0 {
			alert.EventIDs = append(alert.EventIDs, en.id)
		}
	}

	subject := trigger.UserID
	if subject == "" {
		subject = trigger.Detail("username")
	}
	switch {
	case sig.Scope == ScopeGlobal:
		alert.Message = fmt.Sprintf("%s: %s", sig.Name, sig.Description)
	default:
		alert.Message = fmt.Sprintf("%s: %s (user %s)", sig.Name, sig.Description, subject)
	}

	if sig.Mitigation == MitigationRevokeAccess && trigger.UserID != "" {
		alert.Mitigation = m.revoke(ctx, sig, trigger.UserID)
	}

	m.publish(ctx, alert)
	return alert
}

// revoke applies the revoke_access mitigation and describes the outcome.
func (m *Monitor) revoke(ctx context.Context, sig *ThreatSignature, userID string) string {
	if m.mitigator == nil {
		return "revoke_access unavailable"
	}
	n, err := m.mitigator.RevokeUser(ctx, userID, "threat signature "+sig.Name)
	if err != nil {
		log.Printf("monitoring: revoke %s: %v", userID, err)
		return "revoke_access failed: " + err.Error()
	}
	m.stats.Mitigations.Add(1)
	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventMitigationApplied,
		Severity:  models.SeverityHigh,
		Component: models.ComponentMonitoring,
		UserID:    userID,
		Details: map[string]string{
			"signature": sig.Name,
			"action":    MitigationRevokeAccess,
			"sessions":  strconv.Itoa(n),
		},
	})
	return fmt.Sprintf("revoked %d sessions", n)
}

// RaiseAlert queues an alert that did not come from a signature match.
func (m *Monitor) RaiseAlert(ctx context.Context, signature string, severity models.Severity, userID, message, ref string) (*models.Alert, error) {
	if signature == "" || message == "" {
		return nil, secerr.Validation("alert signature and message are required")
	}
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Signature: signature,
		Severity:  models.ParseSeverity(string(severity)),
		UserID:    userID,
		Message:   message,
		Ref:       ref,
		Status:    models.AlertOpen,
		CreatedAt: m.now().UTC(),
	}
	return alert, m.publish(ctx, alert)
}

// publish persists the alert, logs it and hands it to the notifier channel.
func (m *Monitor) publish(ctx context.Context, alert *models.Alert) error {
	err := m.alerts.Create(context.WithoutCancel(ctx), alert)
	if err != nil {
		log.Printf("monitoring: persist alert %s: %v", alert.ID, err)
	}
	m.stats.AlertsRaised.Add(1)
	metrics.AlertsRaised.WithLabelValues(string(alert.Severity)).Inc()
	log.Printf("monitoring: alert %s [%s] %s", alert.Signature, alert.Severity, alert.Message)

	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventAlertRaised,
		Severity:  alert.Severity,
		Component: models.ComponentMonitoring,
		UserID:    alert.UserID,
		Details:   map[string]string{"alert": alert.ID, "signature": alert.Signature},
	})

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed {
		return err
	}
	select {
	case m.ch <- alert:
	default:
		dropped := m.stats.AlertsDropped.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			log.Printf("warning: alert channel full, dropped %d alerts total", dropped)
		}
	}
	return err
}

// Alerts lists queued alerts, newest first.
func (m *Monitor) Alerts(ctx context.Context, filter storage.AlertFilter) ([]*models.Alert, error) {
	return m.alerts.List(ctx, filter)
}

// Alert returns one alert.
func (m *Monitor) Alert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := m.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, secerr.NotFound("alert " + id)
	}
	return a, nil
}

// Acknowledge marks an open alert as seen.
func (m *Monitor) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	a, err := m.Alert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AlertOpen {
		return nil, secerr.Validation("alert %s is %s", id, a.Status)
	}
	now := m.now().UTC()
	a.Status = models.AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	if err := m.alerts.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Resolve closes an open or acknowledged alert.
func (m *Monitor) Resolve(ctx context.Context, id, by, resolution string) (*models.Alert, error) {
	a, err := m.Alert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsOpen() {
		return nil, secerr.Validation("alert %s is %s", id, a.Status)
	}
	now := m.now().UTC()
	a.Status = models.AlertResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.Resolution = resolution
	if err := m.alerts.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ExpireStale expires open non-critical alerts older than the TTL.
func (m *Monitor) ExpireStale(ctx context.Context) (int, error) {
	now := m.now().UTC()
	n, err := m.alerts.ExpireBefore(ctx, now.Add(-m.opts.AlertTTL), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("monitoring: expired %d stale alerts", n)
	}
	return int(n), nil
}

// Counters returns rolling event counts.
func (m *Monitor) Counters() Counters {
	return m.counters.snapshot(m.now())
}

// Stats returns a snapshot of monitor counters.
func (m *Monitor) Stats() StatsSnapshot {
	m.mu.RLock()
	n := len(m.signatures)
	m.mu.RUnlock()
	return StatsSnapshot{
		EventsIngested:   m.stats.EventsIngested.Load(),
		SignatureMatches: m.stats.SignatureMatches.Load(),
		AlertsRaised:     m.stats.AlertsRaised.Load(),
		AlertsSuppressed: m.stats.AlertsSuppressed.Load(),
		AlertsDropped:    m.stats.AlertsDropped.Load(),
		Mitigations:      m.stats.Mitigations.Load(),
		EventsLost:       m.stats.EventsLost.Load(),
		ActiveWindows:    m.windows.size(),
		Signatures:       n,
	}
}

// Run ingests events until ctx is done or the channel closes, expiring stale
// alerts and idle windows once a minute.
func (m *Monitor) Run(ctx context.Context, in <-chan *models.SecurityEvent) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			m.Ingest(ctx, e)
		case <-ticker.C:
			if _, err := m.ExpireStale(ctx); err != nil {
				log.Printf("monitoring: expire alerts: %v", err)
			}
			m.windows.sweep(m.now())
		}
	}
}

// LossCounter reports how many events a feed failed to deliver.
type LossCounter interface {
	Dropped() uint64
}

// WatchLoss polls src until ctx is done and reports every new loss.
func (m *Monitor) WatchLoss(ctx context.Context, src LossCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seen = m.checkLoss(ctx, src, seen)
		}
	}
}

func (m *Monitor) checkLoss(ctx context.Context, src LossCounter, seen uint64) uint64 {
	n := src.Dropped()
	if n > seen {
		if err := m.ReportEventLoss(ctx, int64(n-seen)); err != nil {
			log.Printf("monitoring: report event loss: %v", err)
		}
	}
	return n
}

// ReportEventLoss records that n events never reached the monitor and raises
// a critical alert, since signatures may have missed them.
func (m *Monitor) ReportEventLoss(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	total := m.stats.EventsLost.Add(n)
	_, err := m.RaiseAlert(ctx, SignatureEventLoss, models.SeverityCritical, "",
		fmt.Sprintf("%d security events were not analyzed (%d in total)", n, total), "")
	return err
}

// Close closes the alert channel. Safe to call concurrently with Ingest.
func (m *Monitor) Close() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

func (m *Monitor) emit(ctx context.Context, e *models.SecurityEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Emit(ctx, e); err != nil {
		log.Printf("monitoring: emit %s: %v", e.Type, err)
	}
}
