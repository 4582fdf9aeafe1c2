package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

type sqliteAlertRepo struct {
	db *sql.DB
}

const alertColumns = `id, signature, severity, user_id, message, status, ref, mitigation, event_ids_json,
	created_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution`

func (r *sqliteAlertRepo) Create(ctx context.Context, alert *models.Alert) error {
	eventIDs, err := json.Marshal(alert.EventIDs)
	if err != nil {
		return fmt.Errorf("marshal event ids: %w", err)
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		alert.ID, alert.Signature, string(alert.Severity), alert.UserID, alert.Message,
		string(alert.Status), alert.Ref, alert.Mitigation, string(eventIDs),
		toNanos(alert.CreatedAt), nullNanos(alert.AcknowledgedAt), alert.AcknowledgedBy,
		nullNanos(alert.ResolvedAt), alert.ResolvedBy, alert.Resolution,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (r *sqliteAlertRepo) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		//nolint:nilnil
		return nil, nil
	}
	return alert, err
}

func (r *sqliteAlertRepo) Update(ctx context.Context, alert *models.Alert) error {
	query := `
		UPDATE alerts SET status = ?, acknowledged_at = ?, acknowledged_by = ?,
			resolved_at = ?, resolved_by = ?, resolution = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		string(alert.Status), nullNanos(alert.AcknowledgedAt), alert.AcknowledgedBy,
		nullNanos(alert.ResolvedAt), alert.ResolvedBy, alert.Resolution,
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	return nil
}

func (r *sqliteAlertRepo) List(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id" + limitClause(f.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (r *sqliteAlertRepo) ExpireBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, resolved_at = ?, resolution = 'expired'
		WHERE status = ? AND severity != ? AND created_at < ?
	`,
		string(models.AlertExpired), toNanos(at), string(models.AlertOpen),
		string(models.SeverityCritical), toNanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", err)
	}
	return result.RowsAffected()
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		alert           models.Alert
		severity        string
		status          string
		eventIDs        string
		created         int64
		acked, resolved sql.NullInt64
	)
	err := row.Scan(
		&alert.ID, &alert.Signature, &severity, &alert.UserID, &alert.Message, &status,
		&alert.Ref, &alert.Mitigation, &eventIDs, &created, &acked, &alert.AcknowledgedBy,
		&resolved, &alert.ResolvedBy, &alert.Resolution,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	alert.Severity = models.Severity(severity)
	alert.Status = models.AlertStatus(status)
	alert.CreatedAt = fromNanos(created)
	alert.AcknowledgedAt = timePtr(acked)
	alert.ResolvedAt = timePtr(resolved)
	if err := json.Unmarshal([]byte(eventIDs), &alert.EventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal event ids: %w", err)
	}
	return &alert, nil
}
