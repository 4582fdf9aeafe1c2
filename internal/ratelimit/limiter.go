// Package ratelimit throttles secure operations per user and operation type
// with escalating lockouts.
package ratelimit

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
)

// Config holds limiter settings.
type Config struct {
	Window      time.Duration       // sliding window length (default: 1 minute)
	Limits      map[models.Role]int // requests per window by role
	BaseLockout time.Duration       // first lockout (default: 30s)
	MaxLockout  time.Duration       // lockout cap (default: 1h)
	GlobalRPS   float64             // process-wide admission rate; 0 disables
	GlobalBurst int
	MaxBypass   time.Duration // longest emergency bypass (default: 15m)
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		Limits: map[models.Role]int{
			models.RoleUser:    30,
			models.RolePremium: 60,
			models.RoleAdmin:   300,
			models.RoleSystem:  1000,
		},
		BaseLockout: 30 * time.Second,
		MaxLockout:  time.Hour,
		GlobalRPS:   500,
		GlobalBurst: 1000,
		MaxBypass:   15 * time.Minute,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Limits == nil {
		c.Limits = map[models.Role]int{}
	}
	for role, limit := range d.Limits {
		if c.Limits[role] <= 0 {
			c.Limits[role] = limit
		}
	}
	if c.BaseLockout <= 0 {
		c.BaseLockout = d.BaseLockout
	}
	if c.MaxLockout < c.BaseLockout {
		c.MaxLockout = d.MaxLockout
	}
	if c.GlobalRPS > 0 && c.GlobalBurst <= 0 {
		c.GlobalBurst = int(c.GlobalRPS)
	}
	if c.MaxBypass <= 0 {
		c.MaxBypass = d.MaxBypass
	}
}

// Result describes an admitted request.
type Result struct {
	Allowed    bool                   `json:"allowed"`
	Bypassed   bool                   `json:"bypassed"`
	Limit      int                    `json:"limit"`
	Remaining  int                    `json:"remaining"`
	Level      models.EscalationLevel `json:"level"`
	RetryAfter time.Duration          `json:"retry_after"`
}

type bypass struct {
	until         time.Time
	grantedBy     string
	justification string
}

// Limiter is a per-key sliding-window limiter with an escalation state machine.
type Limiter struct {
	cfg     Config
	buckets sync.Map // key string -> *bucket
	global  *rate.Limiter
	events  events.Emitter
	now     func() time.Time

	bypassMu sync.RWMutex
	bypasses map[models.RateLimitKey]bypass
}

// New creates a limiter.
func New(cfg Config, emitter events.Emitter) *Limiter {
	cfg.setDefaults()
	l := &Limiter{
		cfg:      cfg,
		events:   emitter,
		now:      time.Now,
		bypasses: make(map[models.RateLimitKey]bypass),
	}
	if cfg.GlobalRPS > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst)
	}
	return l
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// LimitFor returns the per-window limit for a role; unknown roles get the user limit.
func (l *Limiter) LimitFor(role models.Role) int {
	if n, ok := l.cfg.Limits[role]; ok {
		return n
	}
	return l.cfg.Limits[models.RoleUser]
}

// CheckAndConsume admits cost units for key or returns a RateLimitExceededError.
func (l *Limiter) CheckAndConsume(ctx context.Context, key models.RateLimitKey, role models.Role, cost int) (Result, error) {
	if cost < 1 {
		return Result{}, secerr.Validation("cost must be positive")
	}
	if key.UserID == "" {
		return Result{}, secerr.Validation("rate limit key requires a user")
	}
	now := l.now()

	if b, ok := l.activeBypass(key, now); ok {
		metrics.RateLimitBypassed.Inc()
		l.emit(ctx, &models.SecurityEvent{
			Type:      models.EventBypassUsed,
			Severity:  models.SeverityHigh,
			Component: models.ComponentRateLimiter,
			UserID:    key.UserID,
			Operation: key.Operation,
			Details: map[string]string{
				"granted_by":    b.grantedBy,
				"justification": b.justification,
				"until":         b.until.UTC().Format(time.RFC3339),
			},
		})
		return Result{Allowed: true, Bypassed: true, Limit: l.LimitFor(role)}, nil
	}

	if l.global != nil && !l.global.AllowN(now, cost) {
		retry := time.Duration(float64(cost) / float64(l.global.Limit()) * float64(time.Second))
		metrics.RateLimitRejections.WithLabelValues("global").Inc()
		l.emit(ctx, &models.SecurityEvent{
			Type:      models.EventRateLimitExceeded,
			Severity:  models.SeverityMedium,
			Component: models.ComponentRateLimiter,
			UserID:    key.UserID,
			Operation: key.Operation,
			Details:   map[string]string{"scope": "global"},
		})
		return Result{RetryAfter: retry}, secerr.RateLimited(retry)
	}

	limit := l.LimitFor(role)
	var out outcome
	for {
		var live bool
		if out, live = l.bucketFor(key).take(now, limit, cost, &l.cfg); live {
			break
		}
	}

	if out.relaxed {
		l.emit(ctx, &models.SecurityEvent{
			Type:      models.EventEscalationChanged,
			Severity:  models.SeverityLow,
			Component: models.ComponentRateLimiter,
			UserID:    key.UserID,
			Operation: key.Operation,
			Details:   map[string]string{"from": out.relaxedFrom.String(), "to": models.LevelNormal.String()},
		})
	}
	if out.result.Allowed {
		return out.result, nil
	}

	severity := models.SeverityMedium
	if out.result.Level >= models.LevelEscalated {
		severity = models.SeverityHigh
	}
	metrics.RateLimitRejections.WithLabelValues(out.result.Level.String()).Inc()
	l.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRateLimitExceeded,
		Severity:  severity,
		Component: models.ComponentRateLimiter,
		UserID:    key.UserID,
		Operation: key.Operation,
		Details: map[string]string{
			"level":       out.result.Level.String(),
			"retry_after": out.result.RetryAfter.String(),
			"violations":  strconv.Itoa(out.violations),
		},
	})
	if out.previous != out.result.Level {
		l.emit(ctx, &models.SecurityEvent{
			Type:      models.EventEscalationChanged,
			Severity:  severity,
			Component: models.ComponentRateLimiter,
			UserID:    key.UserID,
			Operation: key.Operation,
			Details:   map[string]string{"from": out.previous.String(), "to": out.result.Level.String()},
		})
	}
	return out.result, secerr.RateLimited(out.result.RetryAfter)
}

func (l *Limiter) bucketFor(key models.RateLimitKey) *bucket {
	if b, ok := l.buckets.Load(key.String()); ok {
		return b.(*bucket)
	}
	b, _ := l.buckets.LoadOrStore(key.String(), &bucket{key: key})
	return b.(*bucket)
}

// Bucket returns a snapshot of a bucket, if one exists.
func (l *Limiter) Bucket(key models.RateLimitKey, role models.Role) (models.RateLimitBucket, bool) {
	v, ok := l.buckets.Load(key.String())
	if !ok {
		return models.RateLimitBucket{}, false
	}
	return v.(*bucket).snapshot(l.now(), l.LimitFor(role), l.cfg.Window), true
}

// SetBypass lets a user skip rate limiting for one operation for d.
// Other operations stay limited. Authorization happens upstream.
func (l *Limiter) SetBypass(key models.RateLimitKey, grantedBy, justification string, d time.Duration) (time.Time, error) {
	if key.UserID == "" || key.Operation == "" {
		return time.Time{}, secerr.Validation("bypass requires a user and an operation")
	}
	if d <= 0 || d > l.cfg.MaxBypass {
		return time.Time{}, secerr.Validation("bypass duration must be between 0 and %s", l.cfg.MaxBypass)
	}
	until := l.now().Add(d)
	l.bypassMu.Lock()
	l.bypasses[key] = bypass{until: until, grantedBy: grantedBy, justification: justification}
	l.bypassMu.Unlock()
	log.Printf("ratelimit: bypass for %s until %s granted by %s", key, until.Format(time.RFC3339), grantedBy)
	return until, nil
}

// ClearBypass removes every bypass held by a user.
func (l *Limiter) ClearBypass(userID string) {
	l.bypassMu.Lock()
	for key := range l.bypasses {
		if key.UserID == userID {
			delete(l.bypasses, key)
		}
	}
	l.bypassMu.Unlock()
}

// BypassUntil returns the expiry of an active bypass for key.
func (l *Limiter) BypassUntil(key models.RateLimitKey) (time.Time, bool) {
	b, ok := l.activeBypass(key, l.now())
	return b.until, ok
}

// MaxBypass returns the longest permitted bypass.
func (l *Limiter) MaxBypass() time.Duration {
	return l.cfg.MaxBypass
}

func (l *Limiter) activeBypass(key models.RateLimitKey, now time.Time) (bypass, bool) {
	l.bypassMu.RLock()
	b, ok := l.bypasses[key]
	l.bypassMu.RUnlock()
	if !ok {
		return bypass{}, false
	}
	if !now.Before(b.until) {
		l.bypassMu.Lock()
		if cur, ok := l.bypasses[key]; ok && cur.until.Equal(b.until) {
			delete(l.bypasses, key)
		}
		l.bypassMu.Unlock()
		return bypass{}, false
	}
	return b, true
}

// Probe exercises the window and escalation logic on a private bucket.
func (l *Limiter) Probe(_ context.Context) error {
	b := &bucket{key: models.RateLimitKey{UserID: "probe", Operation: models.OpDiagnostics}}
	now := l.now()
	if out, _ := b.take(now, 1, 1, &l.cfg); !out.result.Allowed {
		return secerr.Validation("rate limit probe: first request rejected")
	}
	out, _ := b.take(now, 1, 1, &l.cfg)
	if out.result.Allowed || out.result.Level != models.LevelThrottled {
		return secerr.Validation("rate limit probe: overflow not rejected")
	}
	return nil
}

// Sweep drops idle buckets at normal level and expired bypasses. It returns the number of buckets removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		if v.(*bucket).idle(now, l.cfg.Window) {
			l.buckets.Delete(k)
			removed++
		}
		return true
	})

	l.bypassMu.Lock()
	for id, b := range l.bypasses {
		if !now.Before(b.until) {
			delete(l.bypasses, id)
		}
	}
	l.bypassMu.Unlock()
	return removed
}

// Run sweeps periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) emit(ctx context.Context, e *models.SecurityEvent) {
	if l.events == nil {
		return
	}
	if err := l.events.Emit(ctx, e); err != nil {
		log.Printf("ratelimit: emit %s: %v", e.Type, err)
	}
}
