package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

type sqliteRecordRepo struct {
	db *sql.DB
}

func (r *sqliteRecordRepo) Put(ctx context.Context, rec *models.StoredRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put record: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alarm_blobs (record_id, version, algorithm, nonce, ciphertext, tag,
			checksum, signature, signed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Version, rec.Blob.Algorithm, rec.Blob.Nonce, rec.Blob.Ciphertext, rec.Blob.Tag,
		rec.Token.Checksum, rec.Token.Signature, toNanos(rec.Token.SignedAt), toNanos(rec.Blob.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("blob %s v%d: %w", rec.ID, rec.Version, ErrConflict)
		}
		return fmt.Errorf("insert blob: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alarm_records (id, owner_id, version, deleted_at, quarantined, quarantine_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			version = excluded.version,
			deleted_at = excluded.deleted_at,
			quarantined = excluded.quarantined,
			quarantine_reason = excluded.quarantine_reason,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.OwnerID, rec.Version, nullNanos(rec.DeletedAt), boolToInt(rec.Quarantined),
		rec.QuarantineReason, toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func (r *sqliteRecordRepo) Get(ctx context.Context, id string) (*models.StoredRecord, error) {
	query := `
		SELECT r.id, r.owner_id, r.version, r.deleted_at, r.quarantined, r.quarantine_reason, r.updated_at,
			b.algorithm, b.nonce, b.ciphertext, b.tag, b.checksum, b.signature, b.signed_at, b.created_at
		FROM alarm_records r
		JOIN alarm_blobs b ON b.record_id = r.id AND b.version = r.version
		WHERE r.id = ?
	`
	var (
		rec                      models.StoredRecord
		deletedAt                sql.NullInt64
		quarantined              int
		updated, signed, created int64
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.OwnerID, &rec.Version, &deletedAt, &quarantined, &rec.QuarantineReason, &updated,
		&rec.Blob.Algorithm, &rec.Blob.Nonce, &rec.Blob.Ciphertext, &rec.Blob.Tag,
		&rec.Token.Checksum, &rec.Token.Signature, &signed, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		//nolint:nilnil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	rec.DeletedAt = timePtr(deletedAt)
	rec.Quarantined = quarantined != 0
	rec.UpdatedAt = fromNanos(updated)
	rec.Blob.RecordID = rec.ID
	rec.Blob.Version = rec.Version
	rec.Blob.CreatedAt = fromNanos(created)
	rec.Token.RecordID = rec.ID
	rec.Token.Version = rec.Version
	rec.Token.SignedAt = fromNanos(signed)
	return &rec, nil
}

func (r *sqliteRecordRepo) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE alarm_records SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		toNanos(at), toNanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark record deleted: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteRecordRepo) SetQuarantine(ctx context.Context, id string, quarantined bool, reason string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE alarm_records SET quarantined = ?, quarantine_reason = ?, updated_at = ? WHERE id = ?",
		boolToInt(quarantined), reason, toNanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("set quarantine: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteRecordRepo) Purge(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, "DELETE FROM alarm_records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM alarm_blobs WHERE record_id = ?", id); err != nil {
		return fmt.Errorf("delete blobs: %w", err)
	}
	return tx.Commit()
}

func (r *sqliteRecordRepo) ListIDs(ctx context.Context, includeDeleted bool) ([]string, error) {
	query := "SELECT id FROM alarm_records"
	if !includeDeleted {
		query += " WHERE deleted_at IS NULL"
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqliteRecordRepo) Counts(ctx context.Context) (RecordCounts, error) {
	var c RecordCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NULL AND quarantined = 1 THEN 1 ELSE 0 END), 0)
		FROM alarm_records
	`).Scan(&c.Live, &c.Deleted, &c.Quarantined)
	if err != nil {
		return c, fmt.Errorf("count records: %w", err)
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
