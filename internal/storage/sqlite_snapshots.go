package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

type sqliteSnapshotRepo struct {
	db *sql.DB
}

const snapshotColumns = `id, record_id, location, location_index, created_at, nonce, payload,
	checksum, signature, status, verified_at`

func (r *sqliteSnapshotRepo) Create(ctx context.Context, snap *models.BackupSnapshot) error {
	query := `
		INSERT INTO backup_snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		snap.ID, snap.RecordID, snap.Location, snap.LocationIndex, toNanos(snap.CreatedAt),
		snap.Nonce, snap.Payload, snap.Checksum, snap.Signature, string(snap.Status),
		nullNanos(snap.VerifiedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot %s: %w", snap.ID, ErrConflict)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *sqliteSnapshotRepo) ListByRecord(ctx context.Context, recordID, location string) ([]*models.BackupSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM backup_snapshots
		WHERE record_id = ? AND location = ?
		ORDER BY created_at DESC, id
	`
	rows, err := r.db.QueryContext(ctx, query, recordID, location)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.BackupSnapshot
	for rows.Next() {
		var (
			s          models.BackupSnapshot
			created    int64
			status     string
			verifiedAt sql.NullInt64
		)
		err := rows.Scan(&s.ID, &s.RecordID, &s.Location, &s.LocationIndex, &created,
			&s.Nonce, &s.Payload, &s.Checksum, &s.Signature, &status, &verifiedAt)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.CreatedAt = fromNanos(created)
		s.Status = models.VerificationStatus(status)
		s.VerifiedAt = timePtr(verifiedAt)
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

func (r *sqliteSnapshotRepo) UpdateStatus(ctx context.Context, id string, status models.VerificationStatus, verifiedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE backup_snapshots SET status = ?, verified_at = ? WHERE id = ?",
		string(status), toNanos(verifiedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update snapshot status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteSnapshotRepo) Prune(ctx context.Context, recordID, location string, keep int) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM backup_snapshots
		WHERE record_id = ? AND location = ? AND id NOT IN (
			SELECT id FROM backup_snapshots
			WHERE record_id = ? AND location = ?
			ORDER BY created_at DESC, id
			LIMIT ?
		)
	`, recordID, location, recordID, location, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return result.RowsAffected()
}

func (r *sqliteSnapshotRepo) Count(ctx context.Context, location string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM backup_snapshots WHERE location = ?", location).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}
