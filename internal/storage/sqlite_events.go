package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

type sqliteEventRepo struct {
	db *sql.DB
}

func (r *sqliteEventRepo) Append(ctx context.Context, e *models.SecurityEvent) error {
	details := "{}"
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(b)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO security_events (type, severity, severity_rank, timestamp, component,
			user_id, session_id, record_id, operation, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.Type), string(e.Severity), e.Severity.Rank(), toNanos(e.Timestamp), string(e.Component),
		e.UserID, e.SessionID, e.RecordID, string(e.Operation), details,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	e.ID = id
	return nil
}

func (r *sqliteEventRepo) Query(ctx context.Context, f EventFilter) ([]*models.SecurityEvent, error) {
	where, args := f.sql()
	query := `
		SELECT id, type, severity, timestamp, component, user_id, session_id, record_id, operation, details_json
		FROM security_events` + where + ` ORDER BY id` + limitClause(f.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		var (
			e                  models.SecurityEvent
			typ, sev, comp, op string
			ts                 int64
			details            string
		)
		err := rows.Scan(&e.ID, &typ, &sev, &ts, &comp, &e.UserID, &e.SessionID, &e.RecordID, &op, &details)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = models.EventType(typ)
		e.Severity = models.Severity(sev)
		e.Timestamp = fromNanos(ts)
		e.Component = models.Component(comp)
		e.Operation = models.Operation(op)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *sqliteEventRepo) Count(ctx context.Context, f EventFilter) (int64, error) {
	where, args := f.sql()
	var count int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (f EventFilter) sql() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, toNanos(f.Until))
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Component != "" {
		conds = append(conds, "component = ?")
		args = append(args, string(f.Component))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RecordID != "" {
		conds = append(conds, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if f.MinSeverity != "" {
		conds = append(conds, "severity_rank >= ?")
		args = append(args, f.MinSeverity.Rank())
	}
	if f.AfterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, f.AfterID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
