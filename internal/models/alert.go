// Package models defines domain models for AlarmVault.
package models

import (
	"time"
)

// AlertStatus is the lifecycle state of an alert in the review queue.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertExpired      AlertStatus = "expired"
)

// Alert is raised when a threat signature matches or an unrecoverable error occurs.
// Alerts wait for human acknowledgement and resolution.
type Alert struct {
	ID             string      `json:"id"`
	Signature      string      `json:"signature"`
	Severity       Severity    `json:"severity"`
	UserID         string      `json:"user_id,omitempty"`
	Message        string      `json:"message"`
	Status         AlertStatus `json:"status"`
	Ref            string      `json:"ref,omitempty"`
	Mitigation     string      `json:"mitigation,omitempty"`
	EventIDs       []int64     `json:"event_ids,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
	Resolution     string      `json:"resolution,omitempty"`
}

// IsOpen returns true while the alert still needs attention.
func (a *Alert) IsOpen() bool {
	return a.Status == AlertOpen || a.Status == AlertAcknowledged
}
