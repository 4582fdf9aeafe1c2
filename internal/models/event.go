package models

import (
	"time"
)

// Severity ranks security events and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity converts a string to Severity.
func ParseSeverity(s string) Severity {
	switch s {
	case "low", "LOW":
		return SeverityLow
	case "medium", "MEDIUM":
		return SeverityMedium
	case "high", "HIGH":
		return SeverityHigh
	case "critical", "CRITICAL":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Component identifies the source of an event.
type Component string

const (
	ComponentStore        Component = "secure_store"
	ComponentAccess       Component = "access_control"
	ComponentRateLimiter  Component = "rate_limiter"
	ComponentIntegrity    Component = "integrity_monitor"
	ComponentBackup       Component = "backup_manager"
	ComponentMonitoring   Component = "monitoring"
	ComponentOrchestrator Component = "orchestrator"
)

// EventType classifies a security event.
type EventType string

const (
	EventRecordStored        EventType = "record_stored"
	EventRecordDeleted       EventType = "record_deleted"
	EventRecordPurged        EventType = "record_purged"
	EventRecordRestored      EventType = "record_restored"
	EventRecordQuarantined   EventType = "record_quarantined"
	EventIntegrityViolation  EventType = "integrity_violation"
	EventTamperDetected      EventType = "tamper_detected"
	EventRecoveryFailed      EventType = "recovery_failed"
	EventAuthSucceeded       EventType = "auth_succeeded"
	EventAuthFailed          EventType = "auth_failed"
	EventAccessGranted       EventType = "access_granted"
	EventAccessDenied        EventType = "access_denied"
	EventContextRevoked      EventType = "context_revoked"
	EventContextRefreshed    EventType = "context_refreshed"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventEscalationChanged   EventType = "escalation_changed"
	EventBypassUsed          EventType = "bypass_used"
	EventEmergencyBypass     EventType = "emergency_bypass"
	EventBackupCreated       EventType = "backup_created"
	EventBackupVerified      EventType = "backup_verified"
	EventBackupFailed        EventType = "backup_failed"
	EventIntegrityCycle      EventType = "integrity_cycle"
	EventAlertRaised         EventType = "alert_raised"
	EventMitigationApplied   EventType = "mitigation_applied"
	EventOperationSucceeded  EventType = "operation_succeeded"
	EventOperationFailed     EventType = "operation_failed"
	EventDiagnosticsExecuted EventType = "diagnostics_executed"
)

// SecurityEvent is an append-only audit record. It is immutable once logged.
type SecurityEvent struct {
	ID        int64             `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Component Component         `json:"component"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	RecordID  string            `json:"record_id,omitempty"`
	Operation Operation         `json:"operation,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Detail returns a detail value or the empty string.
func (e *SecurityEvent) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}
