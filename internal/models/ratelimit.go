package models

import (
	"time"
)

// EscalationLevel is the throttling severity of a rate-limit bucket.
type EscalationLevel int

const (
	LevelNormal EscalationLevel = iota
	LevelThrottled
	LevelEscalated
	LevelCooldown
)

func (l EscalationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelThrottled:
		return "throttled"
	case LevelEscalated:
		return "escalated"
	case LevelCooldown:
		return "cooldown"
	}
	return "unknown"
}

// Next returns the following escalation level; cooldown is terminal.
func (l EscalationLevel) Next() EscalationLevel {
	if l >= LevelCooldown {
		return LevelCooldown
	}
	return l + 1
}

// RateLimitKey identifies a bucket: one user performing one operation type.
type RateLimitKey struct {
	UserID    string    `json:"user_id"`
	Operation Operation `json:"operation"`
}

func (k RateLimitKey) String() string {
	return k.UserID + ":" + string(k.Operation)
}

// RateLimitBucket is a snapshot of a bucket's state.
type RateLimitBucket struct {
	Key           RateLimitKey    `json:"key"`
	WindowStart   time.Time       `json:"window_start"`
	Count         int             `json:"count"`
	Limit         int             `json:"limit"`
	Level         EscalationLevel `json:"level"`
	LockedUntil   time.Time       `json:"locked_until"`
	Violations    int             `json:"violations"`
	LastViolation time.Time       `json:"last_violation"`
}
