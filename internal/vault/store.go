// Package vault implements the Secure Store: encrypted, signed persistence of alarm records.
package vault

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/security"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

// Store encrypts records per owner, binds each version to an integrity token
// and refuses to return plaintext that fails verification.
// It does not interpret roles; callers are authorized upstream.
type Store struct {
	records storage.RecordRepository
	keys    *security.Keyring
	signer  *security.Signer
	events  events.Emitter
	locks   *lockTable
	now     func() time.Time

	stored     atomic.Uint64
	retrieved  atomic.Uint64
	violations atomic.Uint64
	restored   atomic.Uint64
}

// Stats summarizes store activity.
type Stats struct {
	storage.RecordCounts
	Stored     uint64 `json:"stored"`
	Retrieved  uint64 `json:"retrieved"`
	Violations uint64 `json:"violations"`
	Restored   uint64 `json:"restored"`
}

// New creates a Store.
func New(records storage.RecordRepository, keys *security.Keyring, emitter events.Emitter) *Store {
	return &Store{
		records: records,
		keys:    keys,
		signer:  keys.Signer(),
		events:  emitter,
		locks:   newLockTable(),
		now:     time.Now,
	}
}

// Store encrypts and persists rec as its next version. On success rec.Version and
// rec.UpdatedAt reflect what was written.
func (s *Store) Store(ctx context.Context, rec *models.AlarmRecord) (*models.EncryptedBlob, error) {
	if err := rec.Validate(); err != nil {
		return nil, secerr.Validation("%v", err)
	}

	unlock := s.locks.Lock(rec.ID)
	blob, err := s.storeLocked(ctx, rec)
	unlock()
	if err != nil {
		return nil, err
	}

	s.recordStored(ctx, rec, blob)
	return blob, nil
}

// Update applies fn to the current version of a record and stores the result.
// The read and the write happen under the record's write lock, so concurrent
// updates are applied one after the other and none is lost.
func (s *Store) Update(ctx context.Context, id string, fn func(*models.AlarmRecord)) (*models.AlarmRecord, error) {
	unlock := s.locks.Lock(id)
	rec, stored, reason, err := s.retrieveLocked(ctx, id)
	var blob *models.EncryptedBlob
	if err == nil {
		fn(rec)
		rec.ID = id
		if verr := rec.Validate(); verr != nil {
			err = secerr.Validation("%v", verr)
		} else {
			blob, err = s.storeLocked(ctx, rec)
		}
	}
	unlock()

	if reason != "" {
		s.reportViolation(ctx, id, stored, reason)
	}
	if err != nil {
		return nil, err
	}
	s.recordStored(ctx, rec, blob)
	return rec, nil
}

func (s *Store) recordStored(ctx context.Context, rec *models.AlarmRecord, blob *models.EncryptedBlob) {
	s.stored.Add(1)
	s.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRecordStored,
		Severity:  models.SeverityLow,
		Component: models.ComponentStore,
		UserID:    rec.OwnerID,
		RecordID:  rec.ID,
		Details:   map[string]string{"version": strconv.FormatInt(blob.Version, 10)},
	})
}

func (s *Store) reportViolation(ctx context.Context, id string, stored *models.StoredRecord, reason string) {
	s.violations.Add(1)
	s.emit(ctx, &models.SecurityEvent{
		Type:      models.EventIntegrityViolation,
		Severity:  models.SeverityHigh,
		Component: models.ComponentStore,
		UserID:    stored.OwnerID,
		RecordID:  id,
		Details:   map[string]string{"reason": reason, "version": strconv.FormatInt(stored.Version, 10)},
	})
}

func (s *Store) storeLocked(ctx context.Context, rec *models.AlarmRecord) (*models.EncryptedBlob, error) {
	current, err := s.records.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	var version int64 = 1
	if current != nil {
		switch {
		case current.IsDeleted():
			return nil, secerr.NotFound("record")
		case current.Quarantined:
			return nil, secerr.Quarantined(rec.ID)
		case current.OwnerID != rec.OwnerID:
			return nil, secerr.Validation("record owner cannot change")
		}
		version = current.Version + 1
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next := rec.Clone()
	next.Version = version
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.CreatedAt = next.CreatedAt.UTC()

	stored, err := s.seal(next, now)
	if err != nil {
		return nil, err
	}
	if err := s.records.Put(ctx, stored); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}

	rec.Version = next.Version
	rec.CreatedAt = next.CreatedAt
	rec.UpdatedAt = next.UpdatedAt
	blob := stored.Blob
	return &blob, nil
}

// Retrieve returns the decrypted record after verifying its integrity token.
func (s *Store) Retrieve(ctx context.Context, id string) (*models.AlarmRecord, error) {
	unlock := s.locks.RLock(id)
	rec, stored, reason, err := s.retrieveLocked(ctx, id)
	unlock()

	if reason != "" {
		s.reportViolation(ctx, id, stored, reason)
	}
	if err != nil {
		return nil, err
	}
	s.retrieved.Add(1)
	return rec, nil
}

func (s *Store) retrieveLocked(ctx context.Context, id string) (*models.AlarmRecord, *models.StoredRecord, string, error) {
	stored, err := s.live(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}

	if reason := s.verifyToken(stored); reason != "" {
		return nil, stored, reason, secerr.IntegrityViolation(id, errors.New(reason))
	}

	rec, reason := s.open(stored)
	if reason != "" {
		return nil, stored, reason, secerr.IntegrityViolation(id, errors.New(reason))
	}
	return rec, stored, "", nil
}

// Verify recomputes the integrity token of a live record without decrypting it.
// It returns an IntegrityViolationError on mismatch. No event is emitted.
func (s *Store) Verify(ctx context.Context, id string) error {
	unlock := s.locks.RLock(id)
	defer unlock()

	stored, err := s.live(ctx, id)
	if err != nil {
		return err
	}
	if reason := s.verifyToken(stored); reason != "" {
		return secerr.IntegrityViolation(id, errors.New(reason))
	}
	return nil
}

// Delete tombstones a record. The encrypted versions stay until Purge.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	owner, err := s.deleteLocked(ctx, id)
	unlock()
	if err != nil {
		return err
	}

	s.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRecordDeleted,
		Severity:  models.SeverityLow,
		Component: models.ComponentStore,
		UserID:    owner,
		RecordID:  id,
	})
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, id string) (string, error) {
	stored, err := s.records.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if stored == nil || stored.IsDeleted() {
		return "", secerr.NotFound("record")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.records.MarkDeleted(ctx, id, s.now().UTC()); err != nil {
		return "", fmt.Errorf("delete record: %w", err)
	}
	return stored.OwnerID, nil
}

// Purge physically erases a tombstoned record and all its versions.
func (s *Store) Purge(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	owner, err := func() (string, error) {
		stored, err := s.records.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", secerr.NotFound("record")
		}
		if !stored.IsDeleted() {
			return "", secerr.Validation("record %s must be deleted before purge", id)
		}
		return stored.OwnerID, s.records.Purge(ctx, id)
	}()
	unlock()
	if err != nil {
		return err
	}

	s.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRecordPurged,
		Severity:  models.SeverityMedium,
		Component: models.ComponentStore,
		UserID:    owner,
		RecordID:  id,
	})
	return nil
}

// Restore writes a recovered record as a new version with a fresh token and
// lifts any quarantine. The record must still exist and not be deleted.
func (s *Store) Restore(ctx context.Context, rec *models.AlarmRecord) (*models.EncryptedBlob, error) {
	if err := rec.Validate(); err != nil {
		return nil, secerr.Validation("%v", err)
	}

	unlock := s.locks.Lock(rec.ID)
	blob, from, err := s.restoreLocked(ctx, rec)
	unlock()
	if err != nil {
		return nil, err
	}

	s.restored.Add(1)
	s.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRecordRestored,
		Severity:  models.SeverityMedium,
		Component: models.ComponentStore,
		UserID:    rec.OwnerID,
		RecordID:  rec.ID,
		Details: map[string]string{
			"replaced_version": strconv.FormatInt(from, 10),
			"version":          strconv.FormatInt(blob.Version, 10),
		},
	})
	return blob, nil
}

func (s *Store) restoreLocked(ctx context.Context, rec *models.AlarmRecord) (*models.EncryptedBlob, int64, error) {
	current, err := s.records.Get(ctx, rec.ID)
	if err != nil {
		return nil, 0, err
	}
	if current == nil || current.IsDeleted() {
		return nil, 0, secerr.NotFound("record")
	}
	if current.OwnerID != rec.OwnerID {
		return nil, 0, secerr.Validation("restored record owner does not match")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	now := s.now().UTC()
	next := rec.Clone()
	next.Version = current.Version + 1
	next.UpdatedAt = now
	next.CreatedAt = next.CreatedAt.UTC()

	stored, err := s.seal(next, now)
	if err != nil {
		return nil, 0, err
	}
	if err := s.records.Put(ctx, stored); err != nil {
		return nil, 0, fmt.Errorf("persist restored record: %w", err)
	}
	blob := stored.Blob
	return &blob, current.Version, nil
}

// Quarantine blocks reads of a record until it is restored.
func (s *Store) Quarantine(ctx context.Context, id, reason string) error {
	unlock := s.locks.Lock(id)
	owner, err := func() (string, error) {
		stored, err := s.records.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", secerr.NotFound("record")
		}
		return stored.OwnerID, s.records.SetQuarantine(ctx, id, true, reason, s.now().UTC())
	}()
	unlock()
	if err != nil {
		return err
	}

	s.emit(ctx, &models.SecurityEvent{
		Type:      models.EventRecordQuarantined,
		Severity:  models.SeverityHigh,
		Component: models.ComponentStore,
		UserID:    owner,
		RecordID:  id,
		Details:   map[string]string{"reason": reason},
	})
	return nil
}

// IDs returns the ids of all records that are not deleted.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	return s.records.ListIDs(ctx, false)
}

// Owner returns the owner of a record, or "" if it does not exist or is deleted.
func (s *Store) Owner(ctx context.Context, id string) (string, error) {
	stored, err := s.records.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if stored == nil || stored.IsDeleted() {
		return "", nil
	}
	return stored.OwnerID, nil
}

// SelfTest runs an encrypt, verify and decrypt round trip without touching storage.
func (s *Store) SelfTest(_ context.Context) error {
	now := s.now().UTC()
	probe := &models.AlarmRecord{
		ID:        "selftest-" + uuid.NewString(),
		OwnerID:   "selftest",
		Label:     "self test",
		Hour:      7,
		Enabled:   true,
		Payload:   []byte("probe"),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, err := s.seal(probe, now)
	if err != nil {
		return fmt.Errorf("self test seal: %w", err)
	}
	if reason := s.verifyToken(stored); reason != "" {
		return fmt.Errorf("self test verify: %s", reason)
	}
	got, reason := s.open(stored)
	if reason != "" {
		return fmt.Errorf("self test open: %s", reason)
	}
	if got.ID != probe.ID || string(got.Payload) != "probe" {
		return errors.New("self test round trip mismatch")
	}

	stored.Blob.Ciphertext[0] ^= 0xFF
	if s.verifyToken(stored) == "" {
		return errors.New("self test tamper not detected")
	}
	return nil
}

// Stats returns record counts and activity counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.records.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		RecordCounts: counts,
		Stored:       s.stored.Load(),
		Retrieved:    s.retrieved.Load(),
		Violations:   s.violations.Load(),
		Restored:     s.restored.Load(),
	}, nil
}

// live loads a record that may be read: present, not deleted, not quarantined.
func (s *Store) live(ctx context.Context, id string) (*models.StoredRecord, error) {
	stored, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.IsDeleted() {
		return nil, secerr.NotFound("record")
	}
	if stored.Quarantined {
		return nil, secerr.Quarantined(id)
	}
	return stored, nil
}

func (s *Store) seal(rec *models.AlarmRecord, now time.Time) (*models.StoredRecord, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	defer security.Zero(plaintext)

	key, err := s.keys.RecordKey(rec.OwnerID)
	if err != nil {
		return nil, err
	}
	defer security.Zero(key)

	nonce, ciphertext, tag, err := security.Seal(key, plaintext, aad(rec.ID, rec.OwnerID, rec.Version))
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}

	token := models.IntegrityToken{
		RecordID: rec.ID,
		Version:  rec.Version,
		Checksum: security.Checksum(nonce, ciphertext, tag),
		SignedAt: now,
	}
	token.Signature = s.sign(rec.ID, rec.OwnerID, rec.Version, models.AlgorithmAESGCMv1, token.Checksum, now)

	return &models.StoredRecord{
		ID:      rec.ID,
		OwnerID: rec.OwnerID,
		Version: rec.Version,
		Blob: models.EncryptedBlob{
			RecordID:   rec.ID,
			Version:    rec.Version,
			Algorithm:  models.AlgorithmAESGCMv1,
			Nonce:      nonce,
			Ciphertext: ciphertext,
			Tag:        tag,
			CreatedAt:  now,
		},
		Token:     token,
		UpdatedAt: now,
	}, nil
}

// verifyToken returns a non-empty reason when the stored bytes do not match their token.
func (s *Store) verifyToken(stored *models.StoredRecord) string {
	if stored.Blob.Algorithm != models.AlgorithmAESGCMv1 {
		return "unsupported algorithm"
	}
	if stored.Token.Version != stored.Version || stored.Blob.Version != stored.Version {
		return "version mismatch"
	}
	checksum := security.Checksum(stored.Blob.Nonce, stored.Blob.Ciphertext, stored.Blob.Tag)
	if !hmac.Equal([]byte(checksum), []byte(stored.Token.Checksum)) {
		return "checksum mismatch"
	}
	expected := s.sign(stored.ID, stored.OwnerID, stored.Version, stored.Blob.Algorithm, stored.Token.Checksum, stored.Token.SignedAt)
	if !hmac.Equal([]byte(expected), []byte(stored.Token.Signature)) {
		return "signature mismatch"
	}
	return ""
}

func (s *Store) open(stored *models.StoredRecord) (*models.AlarmRecord, string) {
	key, err := s.keys.RecordKey(stored.OwnerID)
	if err != nil {
		return nil, "key derivation failed"
	}
	defer security.Zero(key)

	plaintext, err := security.Open(key, stored.Blob.Nonce, stored.Blob.Ciphertext, stored.Blob.Tag,
		aad(stored.ID, stored.OwnerID, stored.Version))
	if err != nil {
		return nil, "authentication failed"
	}
	defer security.Zero(plaintext)

	var rec models.AlarmRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, "decode failed"
	}
	if rec.ID != stored.ID || rec.OwnerID != stored.OwnerID || rec.Version != stored.Version {
		return nil, "identity mismatch"
	}
	return &rec, ""
}

func (s *Store) sign(id, owner string, version int64, algorithm, checksum string, signedAt time.Time) string {
	return s.signer.Sign(id, owner, strconv.FormatInt(version, 10), algorithm, checksum,
		signedAt.UTC().Format(time.RFC3339Nano))
}

func aad(id, owner string, version int64) []byte {
	return []byte(id + "|" + owner + "|" + strconv.FormatInt(version, 10))
}

func (s *Store) emit(ctx context.Context, e *models.SecurityEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Emit(ctx, e); err != nil {
		log.Printf("vault: emit %s: %v", e.Type, err)
	}
}
