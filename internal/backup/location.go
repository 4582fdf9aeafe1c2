package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

// Location is an independent place snapshots are written to.
type Location interface {
	Name() string
	Put(ctx context.Context, snap *models.BackupSnapshot) error
	// List returns snapshots of a record, newest first.
	List(ctx context.Context, recordID string) ([]*models.BackupSnapshot, error)
	SetStatus(ctx context.Context, snap *models.BackupSnapshot) error
	// Prune keeps the newest keep snapshots of a record and returns how many were removed.
	Prune(ctx context.Context, recordID string, keep int) (int, error)
	Count(ctx context.Context) (int, error)
}

// FileLocation stores one JSON file per snapshot under a directory tree.
type FileLocation struct {
	name string
	dir  string
	mu   sync.Mutex
}

// NewFileLocation creates the directory if needed.
func NewFileLocation(name, dir string) (*FileLocation, error) {
	if dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &FileLocation{name: name, dir: dir}, nil
}

// Name returns the location name.
func (l *FileLocation) Name() string { return l.name }

// Dir returns the root directory.
func (l *FileLocation) Dir() string { return l.dir }

func (l *FileLocation) recordDir(recordID string) string {
	return filepath.Join(l.dir, base64.RawURLEncoding.EncodeToString([]byte(recordID)))
}

func (l *FileLocation) path(snap *models.BackupSnapshot) string {
	return filepath.Join(l.recordDir(snap.RecordID), fmt.Sprintf("%020d-%s.json", snap.CreatedAt.UnixNano(), snap.ID))
}

// Put writes the snapshot atomically with 0600 permissions.
func (l *FileLocation) Put(ctx context.Context, snap *models.BackupSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.recordDir(snap.RecordID), 0700); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}
	path := l.path(snap)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot %s: %w", snap.ID, storage.ErrConflict)
	}
	return writeJSON(path, snap)
}

// List reads all snapshot files of a record. Unreadable files are returned as
// failed snapshots so they are never silently treated as healthy.
func (l *FileLocation) List(ctx context.Context, recordID string) ([]*models.BackupSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listLocked(recordID)
}

func (l *FileLocation) listLocked(recordID string) ([]*models.BackupSnapshot, error) {
	entries, err := os.ReadDir(l.recordDir(recordID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var snaps []*models.BackupSnapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		snap, err := readSnapshot(filepath.Join(l.recordDir(recordID), e.Name()))
		if err != nil {
			snap = &models.BackupSnapshot{
				ID:        strings.TrimSuffix(e.Name(), ".json"),
				RecordID:  recordID,
				Location:  l.name,
				CreatedAt: createdFromName(e.Name()),
				Status:    models.SnapshotFailed,
			}
		}
		snaps = append(snaps, snap)
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// SetStatus rewrites the snapshot file with the new verification status.
func (l *FileLocation) SetStatus(ctx context.Context, snap *models.BackupSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(snap)
	current, err := readSnapshot(path)
	if err != nil {
		// Corrupt files cannot carry a status; they are listed as failed anyway.
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("snapshot %s: %w", snap.ID, storage.ErrNotFound)
		}
		return nil
	}
	current.Status = snap.Status
	current.VerifiedAt = snap.VerifiedAt
	return writeJSON(path, current)
}

// Prune removes the oldest snapshot files beyond keep.
func (l *FileLocation) Prune(ctx context.Context, recordID string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	snaps, err := l.listLocked(recordID)
	if err != nil || len(snaps) <= keep {
		return 0, err
	}
	removed := 0
	for _, s := range snaps[keep:] {
		if err := os.Remove(l.path(s)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove snapshot: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of snapshot files.
func (l *FileLocation) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	err := filepath.WalkDir(l.dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

func writeJSON(path string, snap *models.BackupSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) (*models.BackupSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap models.BackupSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func createdFromName(name string) time.Time {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}
	}
	nanos, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// RepositoryLocation stores snapshots through a storage.SnapshotRepository.
type RepositoryLocation struct {
	name string
	repo storage.SnapshotRepository
}

// NewRepositoryLocation wraps a snapshot repository.
func NewRepositoryLocation(name string, repo storage.SnapshotRepository) *RepositoryLocation {
	return &RepositoryLocation{name: name, repo: repo}
}

// Name returns the location name.
func (l *RepositoryLocation) Name() string { return l.name }

// Put inserts the snapshot.
func (l *RepositoryLocation) Put(ctx context.Context, snap *models.BackupSnapshot) error {
	return l.repo.Create(ctx, snap)
}

// List returns the record's snapshots at this location.
func (l *RepositoryLocation) List(ctx context.Context, recordID string) ([]*models.BackupSnapshot, error) {
	return l.repo.ListByRecord(ctx, recordID, l.name)
}

// SetStatus persists the verification status.
func (l *RepositoryLocation) SetStatus(ctx context.Context, snap *models.BackupSnapshot) error {
	var at time.Time
	if snap.VerifiedAt != nil {
		at = *snap.VerifiedAt
	}
	return l.repo.UpdateStatus(ctx, snap.ID, snap.Status, at)
}

// Prune evicts the oldest snapshots beyond keep.
func (l *RepositoryLocation) Prune(ctx context.Context, recordID string, keep int) (int, error) {
	n, err := l.repo.Prune(ctx, recordID, l.name, keep)
	return int(n), err
}

// Count returns the number of snapshots at this location.
func (l *RepositoryLocation) Count(ctx context.Context) (int, error) {
	n, err := l.repo.Count(ctx, l.name)
	return int(n), err
}
