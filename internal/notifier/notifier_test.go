package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

type mockNotifier struct {
	name      string
	shouldErr bool

	mu   sync.Mutex
	sent []*models.Alert
}

func (m *mockNotifier) Name() string { return m.name }

func (m *mockNotifier) Send(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.shouldErr {
		return errors.New("mock send error")
	}
	return nil
}

func (m *mockNotifier) Close() error { return nil }

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testAlert(sev models.Severity) *models.Alert {
	return &models.Alert{
		ID:        "alert-1",
		Signature: "probable-intrusion",
		Severity:  sev,
		UserID:    "mallory",
		Message:   "probable-intrusion: denied then throttled (user mallory)",
		Status:    models.AlertOpen,
		CreatedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestDispatch_SeverityThreshold(t *testing.T) {
	tests := []struct {
		sev  models.Severity
		want bool
	}{
		{models.SeverityLow, false},
		{models.SeverityMedium, false},
		{models.SeverityHigh, true},
		{models.SeverityCritical, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			d := NewDispatcher(models.SeverityHigh, DefaultRateLimitConfig())
			n := &mockNotifier{name: "mock"}
			d.Register(n)

			err := d.Dispatch(context.Background(), testAlert(tt.sev))
			if tt.want {
				if err != nil || n.count() != 1 {
					t.Errorf("expected delivery, err=%v count=%d", err, n.count())
				}
				return
			}
			if !errors.Is(err, ErrBelowThreshold) || n.count() != 0 {
				t.Errorf("expected threshold skip, err=%v count=%d", err, n.count())
			}
		})
	}
}

func TestDispatch_RefundsTokenWhenAllFail(t *testing.T) {
	d := NewDispatcher("", RateLimitConfig{MaxPerWindow: 2, Window: time.Minute})
	d.Register(&mockNotifier{name: "failing", shouldErr: true})

	if err := d.Dispatch(context.Background(), testAlert(models.SeverityHigh)); err == nil {
		t.Fatal("expected error from failing notifier")
	}
	if st := d.RateLimitStats(); st.CurrentCount != 0 {
		t.Errorf("count = %d, want 0 after refund", st.CurrentCount)
	}
}

func TestDispatch_KeepsTokenOnPartialSuccess(t *testing.T) {
	d := NewDispatcher("", RateLimitConfig{MaxPerWindow: 2, Window: time.Minute})
	d.Register(&mockNotifier{name: "failing", shouldErr: true})
	ok := &mockNotifier{name: "ok"}
	d.Register(ok)

	if err := d.Dispatch(context.Background(), testAlert(models.SeverityHigh)); err == nil {
		t.Error("partial failure should still report the error")
	}
	if ok.count() != 1 {
		t.Error("working notifier should receive the alert")
	}
	if st := d.RateLimitStats(); st.CurrentCount != 1 {
		t.Errorf("count = %d, want 1", st.CurrentCount)
	}
}

func TestDispatch_NoNotifiersRefunds(t *testing.T) {
	d := NewDispatcher("", RateLimitConfig{MaxPerWindow: 1, Window: time.Minute})
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), testAlert(models.SeverityHigh)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if st := d.RateLimitStats(); st.CurrentCount != 0 || st.Dropped != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	d := NewDispatcher("", RateLimitConfig{MaxPerWindow: 1, Window: time.Minute})
	n := &mockNotifier{name: "mock"}
	d.Register(n)

	if err := d.Dispatch(context.Background(), testAlert(models.SeverityHigh)); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(context.Background(), testAlert(models.SeverityHigh)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate limit, got %v", err)
	}
	if n.count() != 1 {
		t.Errorf("sent %d", n.count())
	}
}

func TestDispatcher_RegisterUnregister(t *testing.T) {
	d := NewDispatcher("", DefaultRateLimitConfig())
	d.Register(&mockNotifier{name: "a"})
	d.Register(&mockNotifier{name: "b"})
	if d.Len() != 2 || d.MinSeverity() != models.SeverityLow {
		t.Fatalf("len %d, min %s", d.Len(), d.MinSeverity())
	}
	if _, ok := d.Get("a"); !ok {
		t.Error("a should be registered")
	}
	d.Unregister("a")
	if _, ok := d.Get("a"); ok {
		t.Error("a should be gone")
	}
	if err := d.Close(); err != nil || d.Len() != 0 {
		t.Errorf("close: %v, len %d", err, d.Len())
	}
}

func TestDispatcher_Run(t *testing.T) {
	d := NewDispatcher(models.SeverityHigh, DefaultRateLimitConfig())
	n := &mockNotifier{name: "mock"}
	d.Register(n)

	in := make(chan *models.Alert, 3)
	in <- testAlert(models.SeverityCritical)
	in <- testAlert(models.SeverityLow)
	in <- testAlert(models.SeverityHigh)
	close(in)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	if n.count() != 2 {
		t.Errorf("delivered %d, want 2", n.count())
	}
}
