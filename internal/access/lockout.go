package access

import (
	"sync"
	"time"
)

type lockoutEntry struct {
	failures  int
	lockedAt  time.Time
	expiresAt time.Time
}

// LockoutTracker tracks failed authentication attempts per username.
//
// State is kept in memory only; a restart clears all lockouts.
type LockoutTracker struct {
	mu              sync.RWMutex
	entries         map[string]*lockoutEntry
	threshold       int
	lockoutDuration time.Duration
	now             func() time.Time
}

// NewLockoutTracker creates a new lockout tracker.
func NewLockoutTracker(threshold int, duration time.Duration) *LockoutTracker {
	return &LockoutTracker{
		entries:         make(map[string]*lockoutEntry),
		threshold:       threshold,
		lockoutDuration: duration,
		now:             time.Now,
	}
}

// RecordFailure records a failed attempt.
// Returns true if the account is now locked.
func (t *LockoutTracker) RecordFailure(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, exists := t.entries[key]
	if !exists {
		entry = &lockoutEntry{}
		t.entries[key] = entry
	}

	if !entry.lockedAt.IsZero() {
		if now.Before(entry.expiresAt) {
			return true
		}
		*entry = lockoutEntry{}
	}

	entry.failures++
	if entry.failures >= t.threshold {
		entry.lockedAt = now
		entry.expiresAt = now.Add(t.lockoutDuration)
		return true
	}
	return false
}

// IsLocked returns true if the account is currently locked.
func (t *LockoutTracker) IsLocked(key string) bool {
	return t.Remaining(key) > 0
}

// Remaining returns how long until the lockout expires, or zero.
func (t *LockoutTracker) Remaining(key string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, exists := t.entries[key]
	if !exists || entry.lockedAt.IsZero() {
		return 0
	}
	remaining := entry.expiresAt.Sub(t.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearFailures clears failed attempts on successful login.
func (t *LockoutTracker) ClearFailures(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Sweep removes expired lockouts and returns how many entries were dropped.
func (t *LockoutTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for key, entry := range t.entries {
		if entry.failures == 0 || (!entry.lockedAt.IsZero() && !now.Before(entry.expiresAt)) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}
