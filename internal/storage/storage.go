// Package storage provides database storage interfaces and implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// ErrNotFound is returned by mutating repository calls that target a missing row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert-only row already exists.
var ErrConflict = errors.New("already exists")

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error

	Users() UserRepository
	Records() RecordRepository
	Snapshots() SnapshotRepository
	Events() EventRepository
	Alerts() AlertRepository
}

// UserRepository defines operations for the credential store.
// Get methods return (nil, nil) when the user does not exist.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	List(ctx context.Context) ([]*models.User, error)
	Count(ctx context.Context) (int64, error)
}

// RecordCounts summarizes the record table.
type RecordCounts struct {
	Live        int64 `json:"live"`
	Deleted     int64 `json:"deleted"`
	Quarantined int64 `json:"quarantined"`
}

// RecordRepository persists encrypted alarm records.
// Blob versions are insert-only; the record row points at the current version.
type RecordRepository interface {
	// Put inserts rec.Blob as a new version and moves the record pointer to it in one transaction.
	// It returns ErrConflict if that version already exists.
	Put(ctx context.Context, rec *models.StoredRecord) error
	// Get returns the record with its current blob and token, or (nil, nil).
	Get(ctx context.Context, id string) (*models.StoredRecord, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	SetQuarantine(ctx context.Context, id string, quarantined bool, reason string, at time.Time) error
	// Purge physically removes the record and all of its blob versions.
	Purge(ctx context.Context, id string) error
	ListIDs(ctx context.Context, includeDeleted bool) ([]string, error)
	Counts(ctx context.Context) (RecordCounts, error)
}

// SnapshotRepository stores backup snapshots for the database backup location.
type SnapshotRepository interface {
	Create(ctx context.Context, snap *models.BackupSnapshot) error
	// ListByRecord returns snapshots for a record at a location, newest first.
	ListByRecord(ctx context.Context, recordID, location string) ([]*models.BackupSnapshot, error)
	UpdateStatus(ctx context.Context, id string, status models.VerificationStatus, verifiedAt time.Time) error
	// Prune deletes all but the newest keep snapshots of a record at a location.
	Prune(ctx context.Context, recordID, location string, keep int) (int64, error)
	Count(ctx context.Context, location string) (int64, error)
}

// EventFilter selects security events. Zero fields match everything.
type EventFilter struct {
	Since       time.Time
	Until       time.Time
	Types       []models.EventType
	Component   models.Component
	UserID      string
	RecordID    string
	MinSeverity models.Severity
	AfterID     int64
	Limit       int
}

// EventRepository is the append-only security event log.
type EventRepository interface {
	// Append assigns the next id to event and stores it.
	Append(ctx context.Context, event *models.SecurityEvent) error
	// Query returns matching events ordered by id.
	Query(ctx context.Context, filter EventFilter) ([]*models.SecurityEvent, error)
	Count(ctx context.Context, filter EventFilter) (int64, error)
}

// AlertFilter selects alerts. Zero fields match everything.
type AlertFilter struct {
	Status models.AlertStatus
	UserID string
	Limit  int
}

// AlertRepository stores the alert review queue.
type AlertRepository interface {
	Create(ctx context.Context, alert *models.Alert) error
	GetByID(ctx context.Context, id string) (*models.Alert, error)
	Update(ctx context.Context, alert *models.Alert) error
	// List returns matching alerts, newest first.
	List(ctx context.Context, filter AlertFilter) ([]*models.Alert, error)
	// ExpireBefore moves open non-critical alerts created before cutoff to expired.
	ExpireBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
}

func (f EventFilter) matches(e *models.SecurityEvent) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	return e.ID > f.AfterID
}
