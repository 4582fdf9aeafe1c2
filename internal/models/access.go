package models

import (
	"time"
)

// Operation names a secure operation that Access Control can authorize.
type Operation string

const (
	OpCreate      Operation = "create"
	OpRetrieve    Operation = "retrieve"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpStatus      Operation = "status"
	OpDiagnostics Operation = "diagnostics"
	OpBypass      Operation = "bypass"
	OpBackup      Operation = "backup"
	OpReport      Operation = "report"
	OpAlerts      Operation = "alerts"
)

// ContextState is the lifecycle state of an AccessContext.
type ContextState string

const (
	ContextActive  ContextState = "active"
	ContextExpired ContextState = "expired"
	ContextRevoked ContextState = "revoked"
)

// AccessContext is an issued, bounded-lifetime authorization scope.
// It is never mutated; refresh replaces it with a new one.
type AccessContext struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	SessionID string    `json:"session_id"`
	Token     string    `json:"token,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the context has expired at t.
func (c *AccessContext) ExpiredAt(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// Credentials are presented to Access Control to obtain an AccessContext.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
