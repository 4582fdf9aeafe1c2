package models

import (
	"time"
)

// VerificationStatus tracks whether a snapshot may be used for recovery.
type VerificationStatus string

const (
	SnapshotPending  VerificationStatus = "pending"
	SnapshotVerified VerificationStatus = "verified"
	SnapshotFailed   VerificationStatus = "failed"
)

// BackupSnapshot is an encrypted, signed copy of one record version at one location.
type BackupSnapshot struct {
	ID            string             `json:"id"`
	RecordID      string             `json:"record_id"`
	Location      string             `json:"location"`
	LocationIndex int                `json:"location_index"`
	CreatedAt     time.Time          `json:"created_at"`
	Nonce         []byte             `json:"nonce"`
	Payload       []byte             `json:"payload"`
	Checksum      string             `json:"checksum"`
	Signature     string             `json:"signature"`
	Status        VerificationStatus `json:"status"`
	VerifiedAt    *time.Time         `json:"verified_at,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *BackupSnapshot) Clone() *BackupSnapshot {
	cp := *s
	cp.Nonce = append([]byte(nil), s.Nonce...)
	cp.Payload = append([]byte(nil), s.Payload...)
	if s.VerifiedAt != nil {
		t := *s.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}
