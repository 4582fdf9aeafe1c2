package models

import (
	"fmt"
	"time"
)

// MaxPayloadSize bounds the opaque alarm payload.
const MaxPayloadSize = 64 * 1024

// MaxLabelLength bounds the alarm label.
const MaxLabelLength = 120

// AlarmRecord is a user's alarm. It is owned by exactly one user.
type AlarmRecord struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Label         string         `json:"label"`
	Hour          int            `json:"hour"`
	Minute        int            `json:"minute"`
	Days          []time.Weekday `json:"days,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	Enabled       bool           `json:"enabled"`
	SnoozeMinutes int            `json:"snooze_minutes,omitempty"`
	Payload       []byte         `json:"payload,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate checks the schedule fields and size limits.
func (a *AlarmRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if a.Hour < 0 || a.Hour > 23 {
		return fmt.Errorf("hour must be between 0 and 23")
	}
	if a.Minute < 0 || a.Minute > 59 {
		return fmt.Errorf("minute must be between 0 and 59")
	}
	if len(a.Label) > MaxLabelLength {
		return fmt.Errorf("label must be at most %d characters", MaxLabelLength)
	}
	if a.SnoozeMinutes < 0 || a.SnoozeMinutes > 60 {
		return fmt.Errorf("snooze_minutes must be between 0 and 60")
	}
	if len(a.Payload) > MaxPayloadSize {
		return fmt.Errorf("payload exceeds %d bytes", MaxPayloadSize)
	}
	seen := make(map[time.Weekday]bool, len(a.Days))
	for _, d := range a.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate weekday %s", d)
		}
		seen[d] = true
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q", a.Timezone)
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (a *AlarmRecord) Clone() *AlarmRecord {
	cp := *a
	if a.Days != nil {
		cp.Days = append([]time.Weekday(nil), a.Days...)
	}
	if a.Payload != nil {
		cp.Payload = append([]byte(nil), a.Payload...)
	}
	return &cp
}

// AlgorithmAESGCMv1 identifies the blob encryption scheme.
const AlgorithmAESGCMv1 = "aes-256-gcm/v1"

// EncryptedBlob is one immutable encrypted version of an AlarmRecord.
type EncryptedBlob struct {
	RecordID   string    `json:"record_id"`
	Version    int64     `json:"version"`
	Algorithm  string    `json:"algorithm"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	Tag        []byte    `json:"tag"`
	CreatedAt  time.Time `json:"created_at"`
}

// IntegrityToken binds a checksum and signature to one record version.
type IntegrityToken struct {
	RecordID  string    `json:"record_id"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// StoredRecord is the persisted row for an alarm: current blob, its token and lifecycle flags.
type StoredRecord struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"`
	Version          int64          `json:"version"`
	Blob             EncryptedBlob  `json:"blob"`
	Token            IntegrityToken `json:"token"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
	Quarantined      bool           `json:"quarantined"`
	QuarantineReason string         `json:"quarantine_reason,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsDeleted returns true if the record carries a tombstone.
func (r *StoredRecord) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy of the stored record.
func (r *StoredRecord) Clone() *StoredRecord {
	cp := *r
	cp.Blob.Nonce = append([]byte(nil), r.Blob.Nonce...)
	cp.Blob.Ciphertext = append([]byte(nil), r.Blob.Ciphertext...)
	cp.Blob.Tag = append([]byte(nil), r.Blob.Tag...)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}
