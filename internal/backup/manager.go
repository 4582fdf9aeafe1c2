// Package backup writes encrypted, signed snapshots of every record to
// several independent locations and recovers records from them.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/alarmvault/internal/events"
	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/scheduler"
	"github.com/good-yellow-bee/alarmvault/internal/secerr"
	"github.com/good-yellow-bee/alarmvault/internal/security"
)

const (
	DefaultInterval  = 4 * time.Hour
	DefaultRetention = 10
	MinLocations     = 2
)

// Source lists and reads the live records to back up.
type Source interface {
	IDs(ctx context.Context) ([]string, error)
	Retrieve(ctx context.Context, id string) (*models.AlarmRecord, error)
}

// Config holds manager settings.
type Config struct {
	Interval  time.Duration // time between scheduled runs (default: 4h)
	Retention int           // recovery points kept per record per location (default: 10)
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
}

// RunReport summarizes one backup run.
type RunReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Records   int           `json:"records"`
	Snapshots int           `json:"snapshots"`
	Skipped   int           `json:"skipped"`
	Failures  int           `json:"failures"`
	Pruned    int           `json:"pruned"`
}

// LocationStatus describes one backup location.
type LocationStatus struct {
	Name      string `json:"name"`
	Index     int    `json:"index"`
	Snapshots int    `json:"snapshots"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// Status is the manager's health summary.
type Status struct {
	Locations []LocationStatus `json:"locations"`
	LastRun   *RunReport       `json:"last_run,omitempty"`
	Scheduler scheduler.Stats  `json:"scheduler"`
	Running   bool             `json:"running"`
}

// Manager creates, verifies and restores from backup snapshots.
type Manager struct {
	source    Source
	keys      *security.Keyring
	signer    *security.Signer
	locations []Location
	events    events.Emitter
	cfg       Config
	sched     *scheduler.Scheduler
	now       func() time.Time

	runMu sync.Mutex

	mu   sync.RWMutex
	last *RunReport
}

// New creates a manager writing to the given locations in index order.
func New(source Source, keys *security.Keyring, locations []Location, emitter events.Emitter, cfg Config) (*Manager, error) {
	if source == nil || keys == nil {
		return nil, errors.New("backup: source and keyring are required")
	}
	if len(locations) < MinLocations {
		return nil, fmt.Errorf("backup: at least %d locations required, got %d", MinLocations, len(locations))
	}
	seen := make(map[string]bool, len(locations))
	for _, loc := range locations {
		if seen[loc.Name()] {
			return nil, fmt.Errorf("backup: duplicate location %q", loc.Name())
		}
		seen[loc.Name()] = true
	}
	cfg.setDefaults()

	m := &Manager{
		source:    source,
		keys:      keys,
		signer:    keys.Signer(),
		locations: locations,
		events:    emitter,
		cfg:       cfg,
		now:       time.Now,
	}
	m.sched = scheduler.New(scheduler.Config{Name: "backup", Interval: cfg.Interval}, func(ctx context.Context) error {
		_, err := m.CreateBackup(ctx)
		return err
	})
	return m, nil
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start begins scheduled backups.
func (m *Manager) Start(ctx context.Context) {
	m.sched.Start(ctx)
}

// Stop halts scheduled backups and waits for a running one to finish.
func (m *Manager) Stop() {
	m.sched.Stop()
}

// Running reports whether scheduled backups are active.
func (m *Manager) Running() bool {
	return m.sched.Running()
}

// LastRun returns the report of the most recent run, or nil.
func (m *Manager) LastRun() *RunReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}

// CreateBackup snapshots every live record to every location. All snapshots
// of one run share a creation time. Records that cannot be read cleanly are
// skipped; write failures are reported in the joined error.
func (m *Manager) CreateBackup(ctx context.Context) ([]*models.BackupSnapshot, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := time.Now()
	createdAt := m.now().UTC()
	report := RunReport{StartedAt: createdAt}

	ids, err := m.source.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	var (
		created []*models.BackupSnapshot
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := m.source.Retrieve(ctx, id)
		if err != nil {
			// Deleted, quarantined or tampered records are not backed up.
			report.Skipped++
			if !errors.Is(err, secerr.ErrNotFound) {
				log.Printf("backup: skip %s: %v", id, err)
			}
			continue
		}
		report.Records++

		snaps, err := m.snapshotRecord(rec, createdAt)
		if err != nil {
			report.Failures++
			errs = append(errs, err)
			continue
		}
		for i, snap := range snaps {
			loc := m.locations[i]
			if err := loc.Put(ctx, snap); err != nil {
				report.Failures++
				errs = append(errs, fmt.Errorf("%s/%s: %w", loc.Name(), id, err))
				m.emit(ctx, &models.SecurityEvent{
					Type:      models.EventBackupFailed,
					Severity:  models.SeverityMedium,
					Component: models.ComponentBackup,
					RecordID:  id,
					Details:   map[string]string{"location": loc.Name(), "stage": "write", "error": err.Error()},
				})
				continue
			}
			metrics.BackupSnapshotsCreated.WithLabelValues(loc.Name()).Inc()
			created = append(created, snap)
			report.Snapshots++

			n, err := loc.Prune(ctx, id, m.cfg.Retention)
			if err != nil {
				log.Printf("backup: prune %s/%s: %v", loc.Name(), id, err)
			}
			report.Pruned += n
		}
	}

	report.Duration = time.Since(start)
	metrics.BackupRunDuration.Observe(report.Duration.Seconds())
	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventBackupCreated,
		Severity:  models.SeverityLow,
		Component: models.ComponentBackup,
		Details: map[string]string{
			"records":   strconv.Itoa(report.Records),
			"snapshots": strconv.Itoa(report.Snapshots),
			"skipped":   strconv.Itoa(report.Skipped),
			"failures":  strconv.Itoa(report.Failures),
		},
	})
	log.Printf("backup: run complete: %d records, %d snapshots, %d failures", report.Records, report.Snapshots, report.Failures)
	return created, errors.Join(errs...)
}

// snapshotRecord builds one snapshot per location. Each location gets its own
// nonce so no two copies share ciphertext.
func (m *Manager) snapshotRecord(rec *models.AlarmRecord, createdAt time.Time) ([]*models.BackupSnapshot, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	defer security.Zero(plaintext)

	checksum := security.Checksum(plaintext)
	snaps := make([]*models.BackupSnapshot, 0, len(m.locations))
	for i, loc := range m.locations {
		snap := &models.BackupSnapshot{
			ID:            uuid.NewString(),
			RecordID:      rec.ID,
			Location:      loc.Name(),
			LocationIndex: i,
			CreatedAt:     createdAt,
			Checksum:      checksum,
			Status:        models.SnapshotPending,
		}
		nonce, ct, tag, err := security.Seal(m.keys.BackupKey(), plaintext, aad(snap))
		if err != nil {
			return nil, fmt.Errorf("encrypt record %s: %w", rec.ID, err)
		}
		snap.Nonce = nonce
		snap.Payload = append(ct, tag...)
		snap.Signature = m.signer.Sign(signedFields(snap)...)
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func aad(snap *models.BackupSnapshot) []byte {
	return []byte(snap.RecordID + "|" + strconv.FormatInt(snap.CreatedAt.UnixNano(), 10))
}

func signedFields(snap *models.BackupSnapshot) []string {
	return []string{
		snap.ID,
		snap.RecordID,
		snap.Location,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		snap.Checksum,
		security.Checksum(snap.Nonce, snap.Payload),
	}
}

// decrypt authenticates a snapshot and returns its plaintext. The caller zeroes it.
func (m *Manager) decrypt(snap *models.BackupSnapshot) ([]byte, error) {
	if !m.signer.Verify(snap.Signature, signedFields(snap)...) {
		return nil, errors.New("signature mismatch")
	}
	if len(snap.Payload) < security.TagSize {
		return nil, errors.New("payload truncated")
	}
	split := len(snap.Payload) - security.TagSize
	plaintext, err := security.Open(m.keys.BackupKey(), snap.Nonce, snap.Payload[:split], snap.Payload[split:], aad(snap))
	if err != nil {
		return nil, errors.New("decryption failed")
	}
	if security.Checksum(plaintext) != snap.Checksum {
		security.Zero(plaintext)
		return nil, errors.New("checksum mismatch")
	}
	return plaintext, nil
}

// VerifyBackupIntegrity checks a snapshot's signature, decrypts it and
// validates the checksum, then persists the resulting status. The returned
// error covers only failures to complete the check.
func (m *Manager) VerifyBackupIntegrity(ctx context.Context, snap *models.BackupSnapshot) (bool, error) {
	if snap == nil {
		return false, secerr.Validation("snapshot is required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	plaintext, verr := m.decrypt(snap)
	security.Zero(plaintext)

	now := m.now().UTC()
	snap.VerifiedAt = &now
	snap.Status = models.SnapshotVerified
	if verr != nil {
		snap.Status = models.SnapshotFailed
	}

	if loc := m.location(snap); loc != nil {
		if err := loc.SetStatus(ctx, snap); err != nil {
			return verr == nil, fmt.Errorf("persist status of %s: %w", snap.ID, err)
		}
	}

	if verr != nil {
		metrics.BackupVerifications.WithLabelValues("failed").Inc()
		m.emit(ctx, &models.SecurityEvent{
			Type:      models.EventBackupFailed,
			Severity:  models.SeverityHigh,
			Component: models.ComponentBackup,
			RecordID:  snap.RecordID,
			Details: map[string]string{
				"snapshot": snap.ID,
				"location": snap.Location,
				"stage":    "verify",
				"error":    verr.Error(),
			},
		})
		return false, nil
	}

	metrics.BackupVerifications.WithLabelValues("verified").Inc()
	m.emit(ctx, &models.SecurityEvent{
		Type:      models.EventBackupVerified,
		Severity:  models.SeverityLow,
		Component: models.ComponentBackup,
		RecordID:  snap.RecordID,
		Details:   map[string]string{"snapshot": snap.ID, "location": snap.Location},
	})
	return true, nil
}

func (m *Manager) location(snap *models.BackupSnapshot) Location {
	for _, loc := range m.locations {
		if loc.Name() == snap.Location {
			return loc
		}
	}
	return nil
}

// Snapshots returns a record's snapshots across all locations, newest first
// within each location, locations in index order.
func (m *Manager) Snapshots(ctx context.Context, recordID string) ([]*models.BackupSnapshot, error) {
	var all []*models.BackupSnapshot
	for i, loc := range m.locations {
		snaps, err := loc.List(ctx, recordID)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", loc.Name(), err)
		}
		for _, s := range snaps {
			s.LocationIndex = i
		}
		all = append(all, snaps...)
	}
	return all, nil
}

// PerformDisasterRecovery returns the last known good version of a record.
// Only verified snapshots are considered; pending ones are verified first.
// At the newest creation time the largest group of snapshots agreeing on
// the checksum wins, ties going to the group holding the lowest location
// index. Nothing is written; the caller commits the result.
func (m *Manager) PerformDisasterRecovery(ctx context.Context, recordID string) (*models.AlarmRecord, error) {
	if recordID == "" {
		return nil, secerr.Validation("record id is required")
	}

	var candidates []*models.BackupSnapshot
	for i, loc := range m.locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snaps, err := loc.List(ctx, recordID)
		if err != nil {
			// An unreachable location must not block recovery from the others.
			log.Printf("backup: list %s for %s: %v", loc.Name(), recordID, err)
			continue
		}
		for _, s := range snaps {
			s.LocationIndex = i
			switch s.Status {
			case models.SnapshotVerified:
				candidates = append(candidates, s)
			case models.SnapshotPending:
				ok, err := m.VerifyBackupIntegrity(ctx, s)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return nil, ctxErr
					}
					log.Printf("backup: verify %s: %v", s.ID, err)
				}
				if ok {
					candidates = append(candidates, s)
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Verified status is persisted, so re-authenticate before trusting the bytes.
	for len(candidates) > 0 {
		chosen := selectSnapshot(candidates)
		rec, err := m.decode(chosen)
		if err == nil {
			log.Printf("backup: recovered %s from %s snapshot %s", recordID, chosen.Location, chosen.ID)
			return rec, nil
		}
		log.Printf("backup: snapshot %s unusable: %v", chosen.ID, err)
		if _, verr := m.VerifyBackupIntegrity(ctx, chosen); verr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		candidates = without(candidates, chosen)
	}
	return nil, secerr.BackupUnavailable(recordID)
}

func (m *Manager) decode(snap *models.BackupSnapshot) (*models.AlarmRecord, error) {
	plaintext, err := m.decrypt(snap)
	if err != nil {
		return nil, err
	}
	defer security.Zero(plaintext)

	var rec models.AlarmRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec.ID != snap.RecordID {
		return nil, fmt.Errorf("snapshot holds record %q", rec.ID)
	}
	return &rec, nil
}

// selectSnapshot picks the representative of the winning group among the
// newest candidates. The group is the largest set sharing a checksum; ties
// go to the group containing the lowest location index.
func selectSnapshot(candidates []*models.BackupSnapshot) *models.BackupSnapshot {
	var newest time.Time
	for _, s := range candidates {
		if s.CreatedAt.After(newest) {
			newest = s.CreatedAt
		}
	}

	type group struct {
		count int
		best  *models.BackupSnapshot
	}
	groups := make(map[string]*group)
	for _, s := range candidates {
		if !s.CreatedAt.Equal(newest) {
			continue
		}
		g, ok := groups[s.Checksum]
		if !ok {
			g = &group{}
			groups[s.Checksum] = g
		}
		g.count++
		if g.best == nil || s.LocationIndex < g.best.LocationIndex {
			g.best = s
		}
	}

	var win *group
	for _, g := range groups {
		if win == nil || g.count > win.count ||
			(g.count == win.count && g.best.LocationIndex < win.best.LocationIndex) {
			win = g
		}
	}
	return win.best
}

func without(snaps []*models.BackupSnapshot, drop *models.BackupSnapshot) []*models.BackupSnapshot {
	out := snaps[:0:0]
	for _, s := range snaps {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// Status reports per-location snapshot counts and the last run.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{
		LastRun:   m.LastRun(),
		Scheduler: m.sched.Stats(),
		Running:   m.sched.Running(),
	}
	for i, loc := range m.locations {
		ls := LocationStatus{Name: loc.Name(), Index: i, Healthy: true}
		n, err := loc.Count(ctx)
		if err != nil {
			ls.Healthy = false
			ls.Error = err.Error()
		}
		ls.Snapshots = n
		st.Locations = append(st.Locations, ls)
	}
	return st
}

// SelfTest seals and reopens a synthetic record without touching any location.
func (m *Manager) SelfTest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := &models.AlarmRecord{ID: "selftest-" + uuid.NewString(), OwnerID: "system", Label: "backup self-test"}
	snaps, err := m.snapshotRecord(probe, m.now().UTC())
	if err != nil {
		return fmt.Errorf("backup self-test: %w", err)
	}
	for _, snap := range snaps {
		rec, err := m.decode(snap)
		if err != nil {
			return fmt.Errorf("backup self-test on %s: %w", snap.Location, err)
		}
		if rec.Label != probe.Label {
			return fmt.Errorf("backup self-test on %s: content mismatch", snap.Location)
		}
	}
	return nil
}

// Export recovers every live record from backups and writes them as one
// passphrase-encrypted JSON file. Records without a usable backup are
// omitted. It returns the written path and the number of records exported.
func (m *Manager) Export(ctx context.Context, path string, passphrase []byte) (string, int, error) {
	ids, err := m.source.IDs(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("list records: %w", err)
	}
	records := make([]*models.AlarmRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := m.PerformDisasterRecovery(ctx, id)
		if errors.Is(err, secerr.ErrBackupUnavailable) {
			continue
		}
		if err != nil {
			return "", 0, err
		}
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("encode export: %w", err)
	}
	defer security.Zero(data)

	written, err := security.WriteEncryptedFile(path, data, passphrase)
	if err != nil {
		return "", 0, err
	}
	return written, len(records), nil
}

func (m *Manager) emit(ctx context.Context, e *models.SecurityEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Emit(ctx, e); err != nil {
		log.Printf("backup: emit %s: %v", e.Type, err)
	}
}
