// Package scheduler runs periodic background jobs with cancellation and
// backoff after failures.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one run of a job.
type Task func(ctx context.Context) error

// Config configures a scheduler.
type Config struct {
	Name       string        // used in log lines
	Interval   time.Duration // delay between successful runs
	Timeout    time.Duration // per-run deadline; 0 means none
	RunOnStart bool          // run once immediately on Start
}

// Stats describes scheduler activity.
type Stats struct {
	Running             bool      `json:"running"`
	Runs                uint64    `json:"runs"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRun             time.Time `json:"last_run"`
	LastError           string    `json:"last_error,omitempty"`
}

// Scheduler runs a Task every Interval until stopped. After a failure the next
// run is scheduled by the backoff, never later than Interval.
type Scheduler struct {
	cfg     Config
	task    Task
	backoff *Backoff

	runs     atomic.Uint64
	failures atomic.Uint64

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	consecutive int
	lastRun     time.Time
	lastErr     error
	runMu       sync.Mutex
}

// New creates a scheduler.
func New(cfg Config, task Task) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		cfg:     cfg,
		task:    task,
		backoff: NewBackoff(),
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	log.Printf("[%s] scheduler started, interval=%v", s.cfg.Name, s.cfg.Interval)

	delay := s.cfg.Interval
	if s.cfg.RunOnStart {
		delay = s.next(s.RunNow(ctx))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] scheduler stopped", s.cfg.Name)
			return
		case <-timer.C:
			timer.Reset(s.next(s.RunNow(ctx)))
		}
	}
}

func (s *Scheduler) next(err error) time.Duration {
	if err == nil {
		s.backoff.Reset()
		return s.cfg.Interval
	}
	if d := s.backoff.Next(); d < s.cfg.Interval {
		return d
	}
	return s.cfg.Interval
}

// RunNow runs the task synchronously. Concurrent calls are serialized.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	err := s.task(ctx)
	s.runs.Add(1)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	if err != nil {
		s.consecutive++
	} else {
		s.consecutive = 0
	}
	consecutive := s.consecutive
	s.mu.Unlock()

	if err != nil {
		s.failures.Add(1)
		log.Printf("[%s] run failed (consecutive=%d): %v", s.cfg.Name, consecutive, err)
	}
	return err
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Running:             s.running,
		Runs:                s.runs.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: s.consecutive,
		LastRun:             s.lastRun,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
