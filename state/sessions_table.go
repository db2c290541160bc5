package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type Session struct {
	ID          int64    `db:"id" json:"session_id"`
	DeviceID    string   `db:"device_id" json:"device_id"`
	UserID      string   `db:"user_id" json:"user_id"`
	StartedAtMs int64    `db:"started_at_ms" json:"started_at"`
	EndedAtMs   *int64   `db:"ended_at_ms" json:"ended_at,omitempty"`
	Active      bool     `db:"active" json:"active"`
	StartLat    *float64 `db:"start_lat" json:"start_lat,omitempty"`
	StartLon    *float64 `db:"start_lon" json:"start_lon,omitempty"`
}

// SessionsTable holds tracking sessions. At most one session per device is active,
// enforced by a partial unique index.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracklink_sessions (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		started_at_ms BIGINT NOT NULL,
		ended_at_ms BIGINT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		start_lat DOUBLE PRECISION,
		start_lon DOUBLE PRECISION
	);
	CREATE UNIQUE INDEX IF NOT EXISTS tracklink_sessions_active_idx ON tracklink_sessions(device_id) WHERE active;
	`)
	return &SessionsTable{db}
}

// SelectActive returns nil, nil when the device has no active session.
func (t *SessionsTable) SelectActive(txn *sqlx.Tx, deviceID string) (*Session, error) {
	var s Session
	err := txn.Get(&s, `SELECT * FROM tracklink_sessions WHERE device_id=$1 AND active`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) Select(sessionID int64) (*Session, error) {
	var s Session
	err := t.db.Get(&s, `SELECT * FROM tracklink_sessions WHERE id=$1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) Insert(txn *sqlx.Tx, deviceID, userID string, at time.Time, lat, lon *float64) (*Session, error) {
	s := Session{
		DeviceID:    deviceID,
		UserID:      userID,
		StartedAtMs: at.UnixMilli(),
		Active:      true,
		StartLat:    lat,
		StartLon:    lon,
	}
	err := txn.QueryRow(`
		INSERT INTO tracklink_sessions (device_id, user_id, started_at_ms, active, start_lat, start_lon)
		VALUES ($1, $2, $3, TRUE, $4, $5) RETURNING id`,
		s.DeviceID, s.UserID, s.StartedAtMs, s.StartLat, s.StartLon,
	).Scan(&s.ID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CloseActive ends the device's active session, if any, returning its id or 0.
func (t *SessionsTable) CloseActive(txn *sqlx.Tx, deviceID string, at time.Time) (int64, error) {
	var id int64
	err := txn.QueryRow(`
		UPDATE tracklink_sessions SET active=FALSE, ended_at_ms=$1
		WHERE device_id=$2 AND active RETURNING id`, at.UnixMilli(), deviceID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (t *SessionsTable) SelectForDevice(deviceID string, limit int) (sessions []Session, err error) {
	err = t.db.Select(&sessions, `SELECT * FROM tracklink_sessions WHERE device_id=$1 ORDER BY id DESC LIMIT $2`, deviceID, limit)
	return
}
