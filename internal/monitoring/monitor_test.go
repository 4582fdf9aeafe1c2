package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeMitigator struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (f *fakeMitigator) RevokeUser(_ context.Context, userID, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.revoked = append(f.revoked, userID)
	return 2, nil
}

type fixture struct {
	mem       *storage.MemoryStorage
	rec       *events.Recorder
	mitigator *fakeMitigator
	monitor   *Monitor
	now       time.Time
}

func newFixture(t *testing.T, sigs []*ThreatSignature) *fixture {
	t.Helper()
	f := &fixture{
		mem:       storage.NewMemoryStorage(),
		rec:       events.NewRecorder(),
		mitigator: &fakeMitigator{},
		now:       t0,
	}
	m, err := New(f.mem.Events(), f.mem.Alerts(), f.rec, f.mitigator, sigs, Options{})
	if err != nil {
		t.Fatal(err)
	}
	m.SetClock(func() time.Time { return f.now })
	f.monitor = m
	return f
}

func ev(typ models.EventType, user string, at time.Time) *models.SecurityEvent {
	return &models.SecurityEvent{Type: typ, UserID: user, Timestamp: at, Severity: models.SeverityMedium, Component: models.ComponentAccess}
}

func (f *fixture) ingest(e *models.SecurityEvent) []*models.Alert {
	return f.monitor.Ingest(context.Background(), e)
}

func TestDefaultSignatures(t *testing.T) {
	names := map[string]bool{}
	for _, s := range DefaultSignatures() {
		names[s.Name] = true
	}
	for _, want := range []string{"probable-intrusion", "credential-stuffing", "tamper-storm", "bypass-abuse"} {
		if !names[want] {
			t.Errorf("missing default signature %s", want)
		}
	}
}

func TestIngest_ProbableIntrusion(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		if alerts := f.ingest(ev(models.EventAccessDenied, "mallory", t0.Add(time.Duration(i)*time.Minute))); len(alerts) != 0 {
			t.Fatalf("denial %d raised %d alerts", i, len(alerts))
		}
	}
	alerts := f.ingest(ev(models.EventRateLimitExceeded, "mallory", t0.Add(4*time.Minute)))
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Signature != "probable-intrusion" || a.Severity != models.SeverityCritical || a.UserID != "mallory" {
		t.Errorf("alert: %+v", a)
	}
	if a.Mitigation != "revoked 2 sessions" {
		t.Errorf("mitigation: %q", a.Mitigation)
	}
	if len(f.mitigator.revoked) != 1 || f.mitigator.revoked[0] != "mallory" {
		t.Errorf("revoked: %v", f.mitigator.revoked)
	}
	if f.rec.Count(models.EventMitigationApplied) != 1 || f.rec.Count(models.EventAlertRaised) != 1 {
		t.Error("alert and mitigation should be logged")
	}

	stored, err := f.monitor.Alert(context.Background(), a.ID)
	if err != nil || stored.Status != models.AlertOpen {
		t.Errorf("persisted alert: %+v %v", stored, err)
	}
	select {
	case got := <-f.monitor.AlertChannel():
		if got.ID != a.ID {
			t.Errorf("channel alert %s, want %s", got.ID, a.ID)
		}
	default:
		t.Error("alert should be pushed on the channel")
	}
}

func TestIngest_SequenceOrderMatters(t *testing.T) {
	tests := []struct {
		name   string
		events []*models.SecurityEvent
		want   int
	}{
		{
			name: "rate limit before denials",
			events: []*models.SecurityEvent{
				ev(models.EventRateLimitExceeded, "u", t0),
				ev(models.EventAccessDenied, "u", t0.Add(time.Minute)),
				ev(models.EventAccessDenied, "u", t0.Add(2*time.Minute)),
				ev(models.EventAccessDenied, "u", t0.Add(3*time.Minute)),
			},
			want: 0,
		},
		{
			name: "only two denials",
			events: []*models.SecurityEvent{
				ev(models.EventAccessDenied, "u", t0),
				ev(models.EventAccessDenied, "u", t0.Add(time.Minute)),
				ev(models.EventRateLimitExceeded, "u", t0.Add(2*time.Minute)),
			},
			want: 0,
		},
		{
			name: "different users",
			events: []*models.SecurityEvent{
				ev(models.EventAccessDenied, "u", t0),
				ev(models.EventAccessDenied, "u", t0.Add(time.Minute)),
				ev(models.EventAccessDenied, "v", t0.Add(2*time.Minute)),
				ev(models.EventRateLimitExceeded, "u", t0.Add(3*time.Minute)),
			},
			want: 0,
		},
		{
			name: "outside the window",
			events: []*models.SecurityEvent{
				ev(models.EventAccessDenied, "u", t0),
				ev(models.EventAccessDenied, "u", t0.Add(time.Minute)),
				ev(models.EventAccessDenied, "u", t0.Add(2*time.Minute)),
				ev(models.EventRateLimitExceeded, "u", t0.Add(11*time.Minute)),
			},
			want: 0,
		},
		{
			name: "extra denials",
			events: []*models.SecurityEvent{
				ev(models.EventAccessDenied, "u", t0),
				ev(models.EventAccessDenied, "u", t0.Add(time.Minute)),
				ev(models.EventAccessDenied, "u", t0.Add(2*time.Minute)),
				ev(models.EventAccessDenied, "u", t0.Add(3*time.Minute)),
				ev(models.EventRateLimitExceeded, "u", t0.Add(4*time.Minute)),
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			got := 0
			for _, e := range tt.events {
				for _, a := range f.ingest(e) {
					if a.Signature == "probable-intrusion" {
						got++
					}
				}
			}
			if got != tt.want {
				t.Errorf("alerts: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIngest_CredentialStuffingByUsername(t *testing.T) {
	f := newFixture(t, nil)
	var alerts []*models.Alert
	for i := 0; i < 5; i++ {
		e := ev(models.EventAuthFailed, "", t0.Add(time.Duration(i)*time.Second))
		e.Details = map[string]string{"username": "ghost", "reason": "invalid-credentials"}
		alerts = append(alerts, f.ingest(e)...)
	}
	if len(alerts) != 1 || alerts[0].Signature != "credential-stuffing" || alerts[0].Severity != models.SeverityHigh {
		t.Fatalf("alerts: %+v", alerts)
	}
	if len(f.mitigator.revoked) != 0 {
		t.Error("credential stuffing has no automatic mitigation")
	}
}

func TestIngest_TamperStormIsGlobal(t *testing.T) {
	f := newFixture(t, nil)
	var alerts []*models.Alert
	for i, rec := range []string{"a", "b", "c"} {
		e := &models.SecurityEvent{Type: models.EventTamperDetected, RecordID: rec, Component: models.ComponentIntegrity, Timestamp: t0.Add(time.Duration(i) * 10 * time.Minute)}
		alerts = append(alerts, f.ingest(e)...)
	}
	if len(alerts) != 1 || alerts[0].Signature != "tamper-storm" || alerts[0].UserID != "" {
		t.Fatalf("alerts: %+v", alerts)
	}
}

func TestIngest_CooldownSuppressesRepeats(t *testing.T) {
	f := newFixture(t, nil)
	raised := 0
	for i := 0; i < 4; i++ {
		raised += len(f.ingest(ev(models.EventEmergencyBypass, "root", t0.Add(time.Duration(i)*time.Minute))))
	}
	if raised != 1 {
		t.Errorf("alerts within cooldown: got %d, want 1", raised)
	}
	if f.monitor.Stats().AlertsSuppressed != 1 {
		t.Errorf("stats: %+v", f.monitor.Stats())
	}

	// After the cooldown a fresh pair alerts again.
	later := t0.Add(2 * time.Hour)
	raised = len(f.ingest(ev(models.EventEmergencyBypass, "root", later))) +
		len(f.ingest(ev(models.EventEmergencyBypass, "root", later.Add(time.Minute))))
	if raised != 1 {
		t.Errorf("alerts after cooldown: got %d, want 1", raised)
	}
}

func TestIngest_IgnoresOwnEvents(t *testing.T) {
	f := newFixture(t, nil)
	e := &models.SecurityEvent{Type: models.EventAlertRaised, Component: models.ComponentMonitoring, Timestamp: t0}
	if alerts := f.ingest(e); alerts != nil {
		t.Errorf("unexpected alerts: %+v", alerts)
	}
	if f.monitor.Counters().Total != 0 {
		t.Error("own events should not be counted")
	}
}

func TestIngest_MitigationFailureRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.mitigator.err = errors.New("store offline")
	var alerts []*models.Alert
	for i := 0; i < 3; i++ {
		f.ingest(ev(models.EventAccessDenied, "u", t0.Add(time.Duration(i)*time.Second)))
	}
	alerts = f.ingest(ev(models.EventRateLimitExceeded, "u", t0.Add(5*time.Second)))
	if len(alerts) != 1 || alerts[0].Mitigation != "revoke_access failed: store offline" {
		t.Fatalf("alerts: %+v", alerts)
	}
	if f.rec.Count(models.EventMitigationApplied) != 0 {
		t.Error("failed mitigation must not be logged as applied")
	}
}

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.monitor.RaiseAlert(ctx, "unrecoverable-error", models.SeverityCritical, "", "record a lost", "ref-1")
	if err != nil {
		t.Fatal(err)
	}

	acked, err := f.monitor.Acknowledge(ctx, a.ID, "root")
	if err != nil || acked.Status != models.AlertAcknowledged || acked.AcknowledgedBy != "root" {
		t.Fatalf("acknowledge: %+v %v", acked, err)
	}
	if _, err := f.monitor.Acknowledge(ctx, a.ID, "root"); !errors.Is(err, secerr.ErrValidation) {
		t.Errorf("double acknowledge: %v", err)
	}

	resolved, err := f.monitor.Resolve(ctx, a.ID, "root", "restored by hand")
	if err != nil || resolved.Status != models.AlertResolved || resolved.Resolution != "restored by hand" {
		t.Fatalf("resolve: %+v %v", resolved, err)
	}
	if _, err := f.monitor.Resolve(ctx, a.ID, "root", "again"); !errors.Is(err, secerr.ErrValidation) {
		t.Errorf("double resolve: %v", err)
	}
	if _, err := f.monitor.Acknowledge(ctx, "missing", "root"); !errors.Is(err, secerr.ErrNotFound) {
		t.Errorf("missing alert: %v", err)
	}
	if _, err := f.monitor.RaiseAlert(ctx, "", models.SeverityHigh, "", "", ""); !errors.Is(err, secerr.ErrValidation) {
		t.Errorf("empty alert: %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	low, _ := f.monitor.RaiseAlert(ctx, "manual", models.SeverityLow, "", "old low", "")
	crit, _ := f.monitor.RaiseAlert(ctx, "manual", models.SeverityCritical, "", "old critical", "")
	f.now = t0.Add(25 * time.Hour)
	fresh, _ := f.monitor.RaiseAlert(ctx, "manual", models.SeverityMedium, "", "fresh", "")

	n, err := f.monitor.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}

	want := map[string]models.AlertStatus{
		low.ID:   models.AlertExpired,
		crit.ID:  models.AlertOpen,
		fresh.ID: models.AlertOpen,
	}
	for id, status := range want {
		a, _ := f.monitor.Alert(ctx, id)
		if a.Status != status {
			t.Errorf("%s: status %s, want %s", a.Message, a.Status, status)
		}
	}
}

func TestCounters(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(ev(models.EventAccessGranted, "alice", t0.Add(-90*time.Minute)))
	f.ingest(ev(models.EventAccessGranted, "alice", t0.Add(-10*time.Minute)))
	f.ingest(ev(models.EventAccessDenied, "bob", t0.Add(-5*time.Minute)))

	c := f.monitor.Counters()
	if c.Total != 3 || c.LastHour != 2 {
		t.Errorf("totals: %+v", c)
	}
	if c.ByUser["alice"] != 1 || c.ByUser["bob"] != 1 || c.ByType[string(models.EventAccessDenied)] != 1 {
		t.Errorf("breakdown: %+v", c)
	}
}

func TestReloadSignatures(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(ev(models.EventEmergencyBypass, "root", t0))

	custom := []*ThreatSignature{{
		Name:     "any-denial",
		Severity: models.SeverityLow,
		Stages:   []Stage{{Event: models.EventAccessDenied, Count: 1}},
		Window:   "1m",
	}}
	if err := f.monitor.ReloadSignatures(custom); err != nil {
		t.Fatal(err)
	}
	if f.monitor.Stats().ActiveWindows != 0 {
		t.Error("reload should clear windows")
	}
	if alerts := f.ingest(ev(models.EventEmergencyBypass, "root", t0.Add(time.Minute))); len(alerts) != 0 {
		t.Error("old signatures should be gone")
	}
	if alerts := f.ingest(ev(models.EventAccessDenied, "root", t0.Add(time.Minute))); len(alerts) != 1 {
		t.Error("new signature should match")
	}

	bad := []*ThreatSignature{{Name: "broken"}}
	if err := f.monitor.ReloadSignatures(bad); err == nil {
		t.Error("invalid signatures must be rejected")
	}
	if len(f.monitor.Signatures()) != 1 {
		t.Error("failed reload must keep the current set")
	}
}

func TestRun_ConsumesChannel(t *testing.T) {
	f := newFixture(t, nil)
	in := make(chan *models.SecurityEvent, 8)
	for i := 0; i < 5; i++ {
		in <- ev(models.EventAuthFailed, "alice", t0.Add(time.Duration(i)*time.Second))
	}
	close(in)

	done := make(chan struct{})
	go func() {
		f.monitor.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	if f.monitor.Stats().EventsIngested != 5 || f.monitor.Stats().AlertsRaised != 1 {
		t.Errorf("stats: %+v", f.monitor.Stats())
	}
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.Close()
	f.monitor.Close()
	if _, ok := <-f.monitor.AlertChannel(); ok {
		t.Error("channel should be closed")
	}
	// Raising after close persists without panicking.
	if _, err := f.monitor.RaiseAlert(context.Background(), "manual", models.SeverityHigh, "", "after close", ""); err != nil {
		t.Fatal(err)
	}
}

func TestRun_QueuedBurstReachesSignatures(t *testing.T) {
	f := newFixture(t, nil)
	bus := events.NewBus(f.mem.Events())
	sub := bus.SubscribeQueue(0)
	ctx := context.Background()

	// Far more denials than any fixed channel buffer before the trigger.
	for i := 0; i < 3000; i++ {
		if err := bus.Emit(ctx, ev(models.EventAccessDenied, "mallory", t0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := bus.Emit(ctx, ev(models.EventRateLimitExceeded, "mallory", t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	bus.Close()

	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx, sub.C())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not finish the backlog")
	}

	if sub.Dropped() != 0 {
		t.Errorf("dropped %d events", sub.Dropped())
	}
	if got := f.monitor.Stats().EventsIngested; got != 3001 {
		t.Errorf("ingested %d, want 3001", got)
	}
	alerts, err := f.monitor.Alerts(ctx, storage.AlertFilter{UserID: "mallory"})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Signature != "probable-intrusion" {
		t.Errorf("alerts: %+v", alerts)
	}
}

type lossCount struct{ n uint64 }

func (l *lossCount) Dropped() uint64 { return l.n }

func TestEventLossRaisesCriticalAlert(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	src := &lossCount{}

	seen := f.monitor.checkLoss(ctx, src, 0)
	if seen != 0 || f.monitor.Stats().AlertsRaised != 0 {
		t.Fatalf("no loss should raise nothing: seen=%d stats=%+v", seen, f.monitor.Stats())
	}

	src.n = 7
	seen = f.monitor.checkLoss(ctx, src, seen)
	if seen != 7 || f.monitor.Stats().EventsLost != 7 {
		t.Errorf("seen=%d lost=%d", seen, f.monitor.Stats().EventsLost)
	}
	// Already reported.
	seen = f.monitor.checkLoss(ctx, src, seen)

	src.n = 9
	f.monitor.checkLoss(ctx, src, seen)
	if f.monitor.Stats().EventsLost != 9 {
		t.Errorf("lost = %d, want 9", f.monitor.Stats().EventsLost)
	}

	alerts, err := f.monitor.Alerts(ctx, storage.AlertFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts: got %d, want 2", len(alerts))
	}
	for _, a := range alerts {
		if a.Signature != SignatureEventLoss || a.Severity != models.SeverityCritical {
			t.Errorf("alert: %+v", a)
		}
	}

	if err := f.monitor.ReportEventLoss(ctx, 0); err != nil || f.monitor.Stats().EventsLost != 9 {
		t.Errorf("zero loss changed state: %v", err)
	}
}
