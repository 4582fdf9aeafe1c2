package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// MemoryStorage implements Storage in process memory. Data does not survive the process.
type MemoryStorage struct {
	users     *memUserRepo
	records   *memRecordRepo
	snapshots *memSnapshotRepo
	events    *memEventRepo
	alerts    *memAlertRepo
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:     &memUserRepo{byID: make(map[string]*models.User)},
		records:   &memRecordRepo{rows: make(map[string]*memRecord)},
		snapshots: &memSnapshotRepo{byID: make(map[string]*models.BackupSnapshot)},
		events:    &memEventRepo{},
		alerts:    &memAlertRepo{byID: make(map[string]*models.Alert)},
	}
}

func (s *MemoryStorage) Open() error    { return nil }
func (s *MemoryStorage) Close() error   { return nil }
func (s *MemoryStorage) Migrate() error { return nil }

func (s *MemoryStorage) Users() UserRepository         { return s.users }
func (s *MemoryStorage) Records() RecordRepository     { return s.records }
func (s *MemoryStorage) Snapshots() SnapshotRepository { return s.snapshots }
func (s *MemoryStorage) Events() EventRepository       { return s.events }
func (s *MemoryStorage) Alerts() AlertRepository       { return s.alerts }

// MutateRecord applies fn to the persisted record in place, bypassing all checks.
// Tests use it to simulate tampering with stored bytes.
func (s *MemoryStorage) MutateRecord(id string, fn func(rec *models.StoredRecord)) bool {
	return s.records.mutate(id, fn)
}

// --- users ---

type memUserRepo struct {
	mu   sync.RWMutex
	byID map[string]*models.User
}

func (r *memUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrConflict)
	}
	for _, u := range r.byID {
		if u.Username == user.Username {
			return fmt.Errorf("username %s: %w", user.Username, ErrConflict)
		}
	}
	cp := *user
	r.byID[user.ID] = &cp
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		//nolint:nilnil
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.byID {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	//nolint:nilnil
	return nil, nil
}

func (r *memUserRepo) Update(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[user.ID]; !ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrNotFound)
	}
	cp := *user
	r.byID[user.ID] = &cp
	return nil
}

func (r *memUserRepo) List(_ context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*models.User, 0, len(r.byID))
	for _, u := range r.byID {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (r *memUserRepo) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.byID)), nil
}

// --- records ---

type memRecord struct {
	current  *models.StoredRecord
	versions map[int64]bool
}

type memRecordRepo struct {
	mu   sync.RWMutex
	rows map[string]*memRecord
}

func (r *memRecordRepo) Put(_ context.Context, rec *models.StoredRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[rec.ID]
	if !ok {
		row = &memRecord{versions: make(map[int64]bool)}
		r.rows[rec.ID] = row
	}
	if row.versions[rec.Version] {
		return fmt.Errorf("blob %s v%d: %w", rec.ID, rec.Version, ErrConflict)
	}
	row.versions[rec.Version] = true
	row.current = rec.Clone()
	return nil
}

func (r *memRecordRepo) Get(_ context.Context, id string) (*models.StoredRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		//nolint:nilnil
		return nil, nil
	}
	return row.current.Clone(), nil
}

func (r *memRecordRepo) MarkDeleted(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.current.DeletedAt != nil {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	t := at.UTC()
	row.current.DeletedAt = &t
	row.current.UpdatedAt = t
	return nil
}

func (r *memRecordRepo) SetQuarantine(_ context.Context, id string, quarantined bool, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	row.current.Quarantined = quarantined
	row.current.QuarantineReason = reason
	row.current.UpdatedAt = at.UTC()
	return nil
}

func (r *memRecordRepo) Purge(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	delete(r.rows, id)
	return nil
}

func (r *memRecordRepo) ListIDs(_ context.Context, includeDeleted bool) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, row := range r.rows {
		if !includeDeleted && row.current.DeletedAt != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRecordRepo) Counts(_ context.Context) (RecordCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c RecordCounts
	for _, row := range r.rows {
		switch {
		case row.current.DeletedAt != nil:
			c.Deleted++
		case row.current.Quarantined:
			c.Live++
			c.Quarantined++
		default:
			c.Live++
		}
	}
	return c, nil
}

func (r *memRecordRepo) mutate(id string, fn func(rec *models.StoredRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return false
	}
	fn(row.current)
	return true
}

// --- snapshots ---

type memSnapshotRepo struct {
	mu   sync.RWMutex
	byID map[string]*models.BackupSnapshot
}

func (r *memSnapshotRepo) Create(_ context.Context, snap *models.BackupSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[snap.ID]; ok {
		return fmt.Errorf("snapshot %s: %w", snap.ID, ErrConflict)
	}
	for _, s := range r.byID {
		if s.RecordID == snap.RecordID && s.Location == snap.Location && s.CreatedAt.Equal(snap.CreatedAt) {
			return fmt.Errorf("snapshot %s: %w", snap.ID, ErrConflict)
		}
	}
	r.byID[snap.ID] = snap.Clone()
	return nil
}

func (r *memSnapshotRepo) ListByRecord(_ context.Context, recordID, location string) ([]*models.BackupSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(recordID, location), nil
}

func (r *memSnapshotRepo) listLocked(recordID, location string) []*models.BackupSnapshot {
	var out []*models.BackupSnapshot
	for _, s := range r.byID {
		if s.RecordID == recordID && s.Location == location {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memSnapshotRepo) UpdateStatus(_ context.Context, id string, status models.VerificationStatus, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	t := verifiedAt.UTC()
	s.Status = status
	s.VerifiedAt = &t
	return nil
}

func (r *memSnapshotRepo) Prune(_ context.Context, recordID, location string, keep int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.listLocked(recordID, location)
	var n int64
	for i := keep; i < len(snaps); i++ {
		delete(r.byID, snaps[i].ID)
		n++
	}
	return n, nil
}

func (r *memSnapshotRepo) Count(_ context.Context, location string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, s := range r.byID {
		if s.Location == location {
			n++
		}
	}
	return n, nil
}

// --- events ---

type memEventRepo struct {
	mu     sync.RWMutex
	nextID int64
	events []*models.SecurityEvent
}

func (r *memEventRepo) Append(_ context.Context, e *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = r.nextID
	r.events = append(r.events, copyEvent(e))
	return nil
}

func (r *memEventRepo) Query(_ context.Context, f EventFilter) ([]*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.SecurityEvent
	for _, e := range r.events {
		if !f.matches(e) {
			continue
		}
		out = append(out, copyEvent(e))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *memEventRepo) Count(_ context.Context, f EventFilter) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, e := range r.events {
		if f.matches(e) {
			n++
		}
	}
	return n, nil
}

func copyEvent(e *models.SecurityEvent) *models.SecurityEvent {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// --- alerts ---

type memAlertRepo struct {
	mu   sync.RWMutex
	byID map[string]*models.Alert
}

func (r *memAlertRepo) Create(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[alert.ID]; ok {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrConflict)
	}
	r.byID[alert.ID] = copyAlert(alert)
	return nil
}

func (r *memAlertRepo) GetByID(_ context.Context, id string) (*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		//nolint:nilnil
		return nil, nil
	}
	return copyAlert(a), nil
}

func (r *memAlertRepo) Update(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[alert.ID]; !ok {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	r.byID[alert.ID] = copyAlert(alert)
	return nil
}

func (r *memAlertRepo) List(_ context.Context, f AlertFilter) ([]*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Alert
	for _, a := range r.byID {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memAlertRepo) ExpireBefore(_ context.Context, cutoff, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.byID {
		if a.Status != models.AlertOpen || a.Severity == models.SeverityCritical || !a.CreatedAt.Before(cutoff) {
			continue
		}
		t := at.UTC()
		a.Status = models.AlertExpired
		a.ResolvedAt = &t
		a.Resolution = "expired"
		n++
	}
	return n, nil
}

func copyAlert(a *models.Alert) *models.Alert {
	cp := *a
	cp.EventIDs = append([]int64(nil), a.EventIDs...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
