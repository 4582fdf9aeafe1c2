package notifier

import (
	"sort"
	"sync"
	"time"
)

// RateLimitConfig holds the notification rate limit.
type RateLimitConfig struct {
	MaxPerWindow int           // notifications per window (default: 10)
	Window       time.Duration // window length (default: 1 minute)
	Disabled     bool
}

// DefaultRateLimitConfig returns default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxPerWindow: 10, Window: time.Minute}
}

// RateLimitStats contains rate limiter statistics.
type RateLimitStats struct {
	Dropped      int64         `json:"dropped"`
	CurrentCount int           `json:"current_count"`
	MaxPerWindow int           `json:"max_per_window"`
	Window       time.Duration `json:"window"`
	Enabled      bool          `json:"enabled"`
}

// RateLimiter is a sliding-window log shared by all notifiers of a dispatcher.
type RateLimiter struct {
	mu           sync.Mutex
	maxPerWindow int
	window       time.Duration
	enabled      bool
	sent         []time.Time
	dropped      int64
	now          func() time.Time
}

// NewRateLimiter creates a rate limiter. Zero fields take the defaults.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	d := DefaultRateLimitConfig()
	if config.MaxPerWindow <= 0 {
		config.MaxPerWindow = d.MaxPerWindow
	}
	if config.Window <= 0 {
		config.Window = d.Window
	}
	return &RateLimiter{
		maxPerWindow: config.MaxPerWindow,
		window:       config.Window,
		enabled:      !config.Disabled,
		sent:         make([]time.Time, 0, config.MaxPerWindow),
		now:          time.Now,
	}
}

// SetClock replaces the time source.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Allow consumes one slot if the window has room.
func (r *RateLimiter) Allow() bool {
	if !r.enabled {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)
	if len(r.sent) >= r.maxPerWindow {
		r.dropped++
		return false
	}
	r.sent = append(r.sent, now)
	return true
}

// Release refunds the most recently consumed slot after a failed delivery.
func (r *RateLimiter) Release() {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.sent); n > 0 {
		r.sent = r.sent[:n-1]
	}
}

// prune drops timestamps that left the window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := sort.Search(len(r.sent), func(i int) bool { return !r.sent[i].Before(cutoff) })
	if i > 0 {
		r.sent = append(r.sent[:0], r.sent[i:]...)
	}
}

// Dropped returns the number of notifications dropped due to rate limiting.
func (r *RateLimiter) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Stats returns rate limiter statistics.
func (r *RateLimiter) Stats() RateLimitStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return RateLimitStats{
		Dropped:      r.dropped,
		CurrentCount: len(r.sent),
		MaxPerWindow: r.maxPerWindow,
		Window:       r.window,
		Enabled:      r.enabled,
	}
}

// Reset clears the rate limiter state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = r.sent[:0]
	r.dropped = 0
}
