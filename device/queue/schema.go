package queue

import (
	"fmt"
	"time"
)

// currentSchemaVersion is bumped together with a new migrateToVn.
const currentSchemaVersion = 2

func (q *Queue) initSchema() error {
	if _, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := q.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if version < 1 {
		if err := q.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if version < 2 {
		if err := q.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates the point table. Timestamps are unix milliseconds.
func (q *Queue) migrateToV1() error {
	logger.Info().Msg("queue: applying migration to schema version 1")
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS track_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL DEFAULT 0,
			ts_ms INTEGER NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			accuracy_m REAL,
			speed_mps REAL,
			bearing_deg REAL,
			state TEXT NOT NULL DEFAULT 'pending',
			sync_flag INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			lease_id TEXT,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_track_points_state_attempts ON track_points(state, attempts);
		CREATE INDEX IF NOT EXISTS idx_track_points_ts ON track_points(ts_ms, id);
	`)
	if err != nil {
		return err
	}
	return q.recordVersion(1)
}

// migrateToV2 adds the key/value table holding the cached session id.
func (q *Queue) migrateToV2() error {
	logger.Info().Msg("queue: applying migration to schema version 2")
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_track_points_lease ON track_points(lease_id);
	`)
	if err != nil {
		return err
	}
	return q.recordVersion(2)
}

func (q *Queue) recordVersion(v int) error {
	_, err := q.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		v, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
