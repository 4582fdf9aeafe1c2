package ratelimit

import (
	"sync"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// bucket holds the sliding-window log and escalation state for one key.
type bucket struct {
	mu  sync.Mutex
	key models.RateLimitKey

	hits          []time.Time
	level         models.EscalationLevel
	lockedUntil   time.Time
	lastLockout   time.Duration
	violations    int
	lastViolation time.Time
	dead          bool
}

type outcome struct {
	result      Result
	previous    models.EscalationLevel
	violations  int
	relaxed     bool
	relaxedFrom models.EscalationLevel
}

// take applies one request. It reports false if the bucket was swept and must be replaced.
func (b *bucket) take(now time.Time, limit, cost int, cfg *Config) (outcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return outcome{}, false
	}

	var out outcome
	if b.level != models.LevelNormal && b.quiet(now) {
		out.relaxed = true
		out.relaxedFrom = b.level
		b.level = models.LevelNormal
		b.lastLockout = 0
	}
	out.previous = b.level

	b.prune(now, cfg.Window)

	if now.Before(b.lockedUntil) || len(b.hits)+cost > limit {
		b.violate(now, limit, cost, cfg, &out)
		return out, true
	}

	for i := 0; i < cost; i++ {
		b.hits = append(b.hits, now)
	}
	out.result = Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(b.hits),
		Level:     b.level,
	}
	return out, true
}

// violate advances the level one step and starts a lockout twice as long as the last.
func (b *bucket) violate(now time.Time, limit, cost int, cfg *Config, out *outcome) {
	b.level = b.level.Next()

	lockout := cfg.BaseLockout
	if b.lastLockout > 0 {
		lockout = b.lastLockout * 2
	}
	if lockout > cfg.MaxLockout {
		lockout = cfg.MaxLockout
	}
	b.lastLockout = lockout
	b.lockedUntil = now.Add(lockout)
	b.violations++
	b.lastViolation = now

	retry := lockout
	if free := b.windowFree(now, limit, cost, cfg.Window); free > retry {
		retry = free
	}

	out.violations = b.violations
	out.result = Result{
		Limit:      limit,
		Remaining:  0,
		Level:      b.level,
		RetryAfter: retry,
	}
}

// quiet reports whether the lockout has ended and twice its length has passed since.
func (b *bucket) quiet(now time.Time) bool {
	return !now.Before(b.lockedUntil.Add(2 * b.lastLockout))
}

func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// windowFree returns how long until cost more units fit in the window.
func (b *bucket) windowFree(now time.Time, limit, cost int, window time.Duration) time.Duration {
	excess := len(b.hits) + cost - limit
	if excess <= 0 || len(b.hits) == 0 {
		return 0
	}
	if excess > len(b.hits) {
		excess = len(b.hits)
	}
	return b.hits[excess-1].Add(window).Sub(now)
}

func (b *bucket) snapshot(now time.Time, limit int, window time.Duration) models.RateLimitBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, window)

	start := now.Add(-window)
	if len(b.hits) > 0 {
		start = b.hits[0]
	}
	return models.RateLimitBucket{
		Key:           b.key,
		WindowStart:   start,
		Count:         len(b.hits),
		Limit:         limit,
		Level:         b.level,
		LockedUntil:   b.lockedUntil,
		Violations:    b.violations,
		LastViolation: b.lastViolation,
	}
}

// idle marks the bucket dead if it holds no state worth keeping.
func (b *bucket) idle(now time.Time, window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, window)
	if len(b.hits) > 0 || now.Before(b.lockedUntil) {
		return false
	}
	if b.level != models.LevelNormal && !b.quiet(now) {
		return false
	}
	b.dead = true
	return true
}
