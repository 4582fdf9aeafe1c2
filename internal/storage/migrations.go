package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations holds all database migrations in order.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Credential store
			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				username TEXT UNIQUE NOT NULL,
				password_hash TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'user',
				disabled INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);

			-- Record pointer table
			CREATE TABLE IF NOT EXISTS alarm_records (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				deleted_at INTEGER,
				quarantined INTEGER NOT NULL DEFAULT 0,
				quarantine_reason TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			);

			-- Insert-only encrypted blob versions
			CREATE TABLE IF NOT EXISTS alarm_blobs (
				record_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				algorithm TEXT NOT NULL,
				nonce BLOB NOT NULL,
				ciphertext BLOB NOT NULL,
				tag BLOB NOT NULL,
				checksum TEXT NOT NULL,
				signature TEXT NOT NULL,
				signed_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (record_id, version)
			);

			CREATE INDEX IF NOT EXISTS idx_alarm_records_owner ON alarm_records(owner_id);
		`,
	},
	{
		Version: 2,
		Name:    "backups_events_alerts",
		Up: `
			CREATE TABLE IF NOT EXISTS backup_snapshots (
				id TEXT PRIMARY KEY,
				record_id TEXT NOT NULL,
				location TEXT NOT NULL,
				location_index INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				nonce BLOB NOT NULL,
				payload BLOB NOT NULL,
				checksum TEXT NOT NULL,
				signature TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				verified_at INTEGER,
				UNIQUE (record_id, location, created_at)
			);

			CREATE TABLE IF NOT EXISTS security_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				severity TEXT NOT NULL,
				severity_rank INTEGER NOT NULL,
				timestamp INTEGER NOT NULL,
				component TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				record_id TEXT NOT NULL DEFAULT '',
				operation TEXT NOT NULL DEFAULT '',
				details_json TEXT NOT NULL DEFAULT '{}'
			);

			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				signature TEXT NOT NULL,
				severity TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL,
				status TEXT NOT NULL,
				ref TEXT NOT NULL DEFAULT '',
				mitigation TEXT NOT NULL DEFAULT '',
				event_ids_json TEXT NOT NULL DEFAULT '[]',
				created_at INTEGER NOT NULL,
				acknowledged_at INTEGER,
				acknowledged_by TEXT NOT NULL DEFAULT '',
				resolved_at INTEGER,
				resolved_by TEXT NOT NULL DEFAULT '',
				resolution TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_snapshots_record ON backup_snapshots(record_id, location, created_at);
			CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);
			CREATE INDEX IF NOT EXISTS idx_events_user ON security_events(user_id);
			CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		_, err = tx.Exec(m.Up)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UnixNano(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
