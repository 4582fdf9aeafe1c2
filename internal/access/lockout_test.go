package access

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLockoutTracker_Basic(t *testing.T) {
	tracker := NewLockoutTracker(3, time.Minute)
	username := "testuser"

	if tracker.IsLocked(username) {
		t.Error("user should not be locked initially")
	}

	tracker.RecordFailure(username)
	tracker.RecordFailure(username)
	if tracker.IsLocked(username) {
		t.Error("user should not be locked after 2 failures (threshold=3)")
	}

	if !tracker.RecordFailure(username) {
		t.Error("third failure should report the lock")
	}
	if !tracker.IsLocked(username) {
		t.Error("user should be locked after 3 failures")
	}
}

func TestLockoutTracker_LockoutExpires(t *testing.T) {
	clock := newFakeClock()
	tracker := NewLockoutTracker(2, 15*time.Minute)
	tracker.now = clock.Now

	tracker.RecordFailure("u")
	tracker.RecordFailure("u")
	if got := tracker.Remaining("u"); got != 15*time.Minute {
		t.Errorf("remaining: got %v", got)
	}

	clock.Advance(15 * time.Minute)
	if tracker.IsLocked("u") {
		t.Error("lockout should have expired")
	}
	if tracker.RecordFailure("u") {
		t.Error("failures restart after an expired lockout")
	}
}

func TestLockoutTracker_ClearFailures(t *testing.T) {
	tracker := NewLockoutTracker(3, time.Hour)
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("u")
	}
	tracker.ClearFailures("u")
	if tracker.IsLocked("u") {
		t.Error("user should not be locked after clearing")
	}
}

func TestLockoutTracker_Sweep(t *testing.T) {
	clock := newFakeClock()
	tracker := NewLockoutTracker(1, time.Minute)
	tracker.now = clock.Now

	tracker.RecordFailure("a")
	tracker.RecordFailure("b")
	if n := tracker.Sweep(); n != 0 {
		t.Errorf("active lockouts should survive a sweep, removed %d", n)
	}

	clock.Advance(2 * time.Minute)
	if n := tracker.Sweep(); n != 2 {
		t.Errorf("expired lockouts: removed %d, want 2", n)
	}
}
