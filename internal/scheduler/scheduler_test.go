package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsPeriodically(t *testing.T) {
	var calls atomic.Int32
	s := New(Config{Name: "test", Interval: 10 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.Running() {
		t.Fatal("scheduler should be running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if calls.Load() < 3 {
		t.Errorf("expected at least 3 runs, got %d", calls.Load())
	}
	if s.Running() {
		t.Error("scheduler should be stopped")
	}
	if s.Stats().Runs != uint64(calls.Load()) {
		t.Errorf("stats runs %d, calls %d", s.Stats().Runs, calls.Load())
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := New(Config{Name: "test", Interval: time.Hour, RunOnStart: true}, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run on start")
	}
}

func TestScheduler_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	s := New(Config{Name: "test", Interval: time.Hour, RunOnStart: true}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	s.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the running task")
	}
}

func TestScheduler_RunNowRecordsFailures(t *testing.T) {
	fail := true
	s := New(Config{Name: "test", Interval: time.Hour}, func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	ctx := context.Background()

	_ = s.RunNow(ctx)
	_ = s.RunNow(ctx)
	st := s.Stats()
	if st.Failures != 2 || st.ConsecutiveFailures != 2 || st.LastError != "boom" {
		t.Errorf("stats after failures: %+v", st)
	}

	fail = false
	if err := s.RunNow(ctx); err != nil {
		t.Fatal(err)
	}
	st = s.Stats()
	if st.ConsecutiveFailures != 0 || st.LastError != "" || st.Runs != 3 {
		t.Errorf("stats after success: %+v", st)
	}
}

func TestScheduler_Timeout(t *testing.T) {
	s := New(Config{Name: "test", Interval: time.Hour, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.RunNow(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestScheduler_NextUsesBackoffAfterFailure(t *testing.T) {
	s := New(Config{Name: "test", Interval: time.Hour}, nil)
	s.backoff.Jitter = 0

	if got := s.next(errors.New("x")); got != 5*time.Second {
		t.Errorf("first retry: %v", got)
	}
	if got := s.next(errors.New("x")); got != 10*time.Second {
		t.Errorf("second retry: %v", got)
	}
	if got := s.next(nil); got != time.Hour {
		t.Errorf("after success: %v", got)
	}
	if s.backoff.Attempt() != 0 {
		t.Error("success resets the backoff")
	}
}

func TestBackoff_Caps(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Error("reset should clear attempts")
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}
