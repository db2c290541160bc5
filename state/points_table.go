package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/tracklink/sqlutil"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	SourceApp     = "app"
	SourceWifiEst = "wifi_est"

	KindFix      = "fix"
	KindEstimate = "est"

	FlagJump     = "jump"
	FlagEstimate = "est"
)

type Point struct {
	ID           int64          `db:"id"`
	SessionID    int64          `db:"session_id"`
	DeviceID     string         `db:"device_id"`
	UserID       string         `db:"user_id"`
	TimestampMs  int64          `db:"ts_ms"`
	Lat          float64        `db:"lat"`
	Lon          float64        `db:"lon"`
	AccuracyM    *float64       `db:"accuracy_m"`
	SpeedMps     *float64       `db:"speed_mps"`
	BearingDeg   *float64       `db:"bearing_deg"`
	Kind         string         `db:"kind"`
	Source       string         `db:"source"`
	Flags        pq.StringArray `db:"flags"`
	Confidence   *float64       `db:"confidence"`
	ReceivedAtMs int64          `db:"received_at_ms"`
}

func (p *Point) HasFlag(f string) bool {
	for _, x := range p.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// PointsTable stores received points. (session_id, ts_ms) is unique so a resent
// batch never creates duplicates.
type PointsTable struct {
	db *sqlx.DB
}

func NewPointsTable(db *sqlx.DB) *PointsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracklink_points (
		id BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		accuracy_m DOUBLE PRECISION,
		speed_mps DOUBLE PRECISION,
		bearing_deg DOUBLE PRECISION,
		kind TEXT NOT NULL DEFAULT 'fix',
		source TEXT NOT NULL DEFAULT 'app',
		flags TEXT[] NOT NULL DEFAULT '{}',
		confidence DOUBLE PRECISION,
		received_at_ms BIGINT NOT NULL,
		UNIQUE(session_id, ts_ms)
	);
	CREATE INDEX IF NOT EXISTS tracklink_points_device_ts_idx ON tracklink_points(device_id, ts_ms);
	`)
	return &PointsTable{db}
}

// Insert writes points, skipping any whose (session_id, ts_ms) already exists. The
// returned slice holds only the rows actually inserted, with ids filled in.
func (t *PointsTable) Insert(txn *sqlx.Tx, points []Point) ([]Point, error) {
	if len(points) == 0 {
		return nil, nil
	}
	for i := range points {
		if points[i].Flags == nil {
			points[i].Flags = pq.StringArray{}
		}
	}
	byTs := make(map[int64]int, len(points))
	for i := range points {
		byTs[points[i].TimestampMs] = i
	}
	var inserted []Point
	// 15 columns a row
	for _, chunk := range sqlutil.Chunk(points, MaxPostgresParameters/15) {
		rows, err := txn.NamedQuery(`
			INSERT INTO tracklink_points (session_id, device_id, user_id, ts_ms, lat, lon, accuracy_m, speed_mps, bearing_deg, kind, source, flags, confidence, received_at_ms)
			VALUES (:session_id, :device_id, :user_id, :ts_ms, :lat, :lon, :accuracy_m, :speed_mps, :bearing_deg, :kind, :source, :flags, :confidence, :received_at_ms)
			ON CONFLICT (session_id, ts_ms) DO NOTHING
			RETURNING id, ts_ms`, chunk)
		if err != nil {
			return nil, fmt.Errorf("insert points: %w", err)
		}
		for rows.Next() {
			var id, ts int64
			if err := rows.Scan(&id, &ts); err != nil {
				rows.Close()
				return nil, err
			}
			p := points[byTs[ts]]
			p.ID = id
			inserted = append(inserted, p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return inserted, nil
}

// SelectLatest returns the newest point of the session, or nil.
func (t *PointsTable) SelectLatest(txn *sqlx.Tx, sessionID int64) (*Point, error) {
	var p Point
	err := txn.Get(&p, `SELECT * FROM tracklink_points WHERE session_id=$1 ORDER BY ts_ms DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SelectLatestBefore returns the newest point of the session strictly older than tsMs, or nil.
func (t *PointsTable) SelectLatestBefore(txn *sqlx.Tx, sessionID, tsMs int64) (*Point, error) {
	var p Point
	err := txn.Get(&p, `SELECT * FROM tracklink_points WHERE session_id=$1 AND ts_ms < $2 ORDER BY ts_ms DESC LIMIT 1`, sessionID, tsMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *PointsTable) SelectSession(sessionID int64) (points []Point, err error) {
	err = t.db.Select(&points, `SELECT * FROM tracklink_points WHERE session_id=$1 ORDER BY ts_ms`, sessionID)
	return
}

// DeleteBefore removes points whose fix time is before boundary.
func (t *PointsTable) DeleteBefore(boundary time.Time) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM tracklink_points WHERE ts_ms < $1`, boundary.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
