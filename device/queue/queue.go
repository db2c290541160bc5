// Package queue is the on-device store of location points waiting to be uploaded.
//
// Every point moves through pending -> inflight -> uploaded, or inflight -> failed
// and back to inflight on the next lease. Only rows currently inflight can be
// committed, so a stale commit after a crash-recovery sweep is a no-op.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/sqlutil"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type State string

const (
	StatePending  State = "pending"
	StateInflight State = "inflight"
	StateFailed   State = "failed"
	StateUploaded State = "uploaded"
)

const (
	DefaultCapacity      = 2000
	DefaultStuckAfter    = 10 * time.Minute
	DefaultRetention     = 7 * 24 * time.Hour
	recoveredStuckReason = "recovered_stuck_inflight"
	metaSessionID        = "session_id"
)

type Point struct {
	ID          int64    `db:"id"`
	SessionID   int64    `db:"session_id"`
	TimestampMs int64    `db:"ts_ms"`
	Lat         float64  `db:"lat"`
	Lon         float64  `db:"lon"`
	AccuracyM   *float64 `db:"accuracy_m"`
	SpeedMps    *float64 `db:"speed_mps"`
	BearingDeg  *float64 `db:"bearing_deg"`
	State       State    `db:"state"`
	SyncFlag    bool     `db:"sync_flag"`
	Attempts    int      `db:"attempts"`
	LastError   *string  `db:"last_error"`
	LeaseID     *string  `db:"lease_id"`
	CreatedAtMs int64    `db:"created_at_ms"`
	UpdatedAtMs int64    `db:"updated_at_ms"`
}

type Stats struct {
	Pending  int
	Inflight int
	Failed   int
	Uploaded int
}

// Depth is the number of points not yet delivered.
func (s Stats) Depth() int {
	return s.Pending + s.Inflight + s.Failed
}

type Queue struct {
	db       *sqlx.DB
	capacity int
	now      func() time.Time
}

// Open opens or creates the queue database at path. ":memory:" gives a private
// in-memory queue.
func Open(path string, capacity int) (*Queue, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// one writer, and keeps a :memory: database alive for the queue's lifetime
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{db: db, capacity: capacity, now: time.Now}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	logger.Info().Str("path", path).Int("capacity", capacity).Int("schema", currentSchemaVersion).Msg("queue ready")
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) nowMs() int64 {
	return q.now().UnixMilli()
}

// Enqueue stores p as pending. When more than capacity points are undelivered the
// oldest of them by timestamp are evicted, whatever their state. Uploaded points
// never count against capacity and are never evicted here. Returns the new id and how many
// points were evicted.
func (q *Queue) Enqueue(ctx context.Context, p Point) (id int64, evicted int, err error) {
	now := q.nowMs()
	err = sqlutil.WithTransactionContext(ctx, q.db, func(txn *sqlx.Tx) error {
		res, err := txn.ExecContext(ctx, `
			INSERT INTO track_points (session_id, ts_ms, lat, lon, accuracy_m, speed_mps, bearing_deg, state, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.SessionID, p.TimestampMs, p.Lat, p.Lon, nullable(p.AccuracyM), nullable(p.SpeedMps), nullable(p.BearingDeg), string(StatePending), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert point: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}

		var undelivered int
		if err = txn.GetContext(ctx, &undelivered, `SELECT COUNT(*) FROM track_points WHERE state != ?`, string(StateUploaded)); err != nil {
			return fmt.Errorf("count undelivered: %w", err)
		}
		excess := undelivered - q.capacity
		if excess <= 0 {
			return nil
		}
		evicted, err = evictOldest(ctx, txn, excess, string(StatePending), string(StateFailed), string(StateInflight))
		return err
	})
	if evicted > 0 {
		logger.Warn().Int("evicted", evicted).Int("capacity", q.capacity).Msg("queue over capacity, dropped oldest points")
	}
	return id, evicted, err
}

func evictOldest(ctx context.Context, txn *sqlx.Tx, n int, states ...string) (int, error) {
	query, args, err := sqlx.In(`
		DELETE FROM track_points WHERE id IN (
			SELECT id FROM track_points WHERE state IN (?) ORDER BY ts_ms, id LIMIT ?
		)`, states, n)
	if err != nil {
		return 0, err
	}
	res, err := txn.ExecContext(ctx, txn.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("evict: %w", err)
	}
	deleted, err := res.RowsAffected()
	return int(deleted), err
}

// LeaseForUpload marks up to limit pending/failed points with fewer than maxAttempts
// attempts as inflight in one statement and returns them oldest first.
func (q *Queue) LeaseForUpload(ctx context.Context, limit, maxAttempts int) ([]Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	leaseID := uuid.NewString()
	var points []Point
	err := sqlutil.WithTransactionContext(ctx, q.db, func(txn *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			UPDATE track_points SET state = ?, lease_id = ?, updated_at_ms = ?
			WHERE id IN (
				SELECT id FROM track_points
				WHERE state IN (?) AND attempts < ?
				ORDER BY ts_ms, id LIMIT ?
			)`, string(StateInflight), leaseID, q.nowMs(), []string{string(StatePending), string(StateFailed)}, maxAttempts, limit)
		if err != nil {
			return err
		}
		if _, err = txn.ExecContext(ctx, txn.Rebind(query), args...); err != nil {
			return fmt.Errorf("lease: %w", err)
		}
		return txn.SelectContext(ctx, &points, `
			SELECT * FROM track_points WHERE lease_id = ? AND state = ? ORDER BY ts_ms, id`,
			leaseID, string(StateInflight),
		)
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(points); i++ {
		internal.Assert("leased points are ordered by timestamp", points[i-1].TimestampMs <= points[i].TimestampMs)
	}
	return points, nil
}

// CommitUploaded marks inflight points as delivered under sessionID.
func (q *Queue) CommitUploaded(ctx context.Context, ids []int64, sessionID int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE track_points
		SET state = ?, sync_flag = 1, session_id = ?, lease_id = NULL, last_error = NULL, updated_at_ms = ?
		WHERE state = ? AND id IN (?)`,
		string(StateUploaded), sessionID, q.nowMs(), string(StateInflight), ids)
	if err != nil {
		return 0, err
	}
	return q.exec(ctx, query, args)
}

// CommitFailed returns inflight points to the retry pool, counting the attempt.
func (q *Queue) CommitFailed(ctx context.Context, ids []int64, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE track_points
		SET state = ?, attempts = attempts + 1, last_error = ?, lease_id = NULL, updated_at_ms = ?
		WHERE state = ? AND id IN (?)`,
		string(StateFailed), truncate(reason, 500), q.nowMs(), string(StateInflight), ids)
	if err != nil {
		return 0, err
	}
	return q.exec(ctx, query, args)
}

// CommitRetry returns inflight points to the retry pool without counting an
// attempt. Use it for outages and rate limiting, which say nothing about the points.
func (q *Queue) CommitRetry(ctx context.Context, ids []int64, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE track_points
		SET state = ?, last_error = ?, lease_id = NULL, updated_at_ms = ?
		WHERE state = ? AND id IN (?)`,
		string(StateFailed), truncate(reason, 500), q.nowMs(), string(StateInflight), ids)
	if err != nil {
		return 0, err
	}
	return q.exec(ctx, query, args)
}

// RecoverStuckInflight fails inflight points whose lease is older than olderThan.
// Run it before every upload pass so a crash mid-batch never strands points.
func (q *Queue) RecoverStuckInflight(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	n, err := q.exec(ctx, `
		UPDATE track_points
		SET state = ?, attempts = attempts + 1, last_error = ?, lease_id = NULL, updated_at_ms = ?
		WHERE state = ? AND updated_at_ms < ?`,
		[]interface{}{string(StateFailed), recoveredStuckReason, q.nowMs(), string(StateInflight), cutoff})
	if n > 0 {
		logger.Warn().Int("points", n).Msg("recovered stuck inflight points")
	}
	return n, err
}

// Prune deletes uploaded points last touched before the retention window.
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	return q.exec(ctx, `DELETE FROM track_points WHERE state = ? AND updated_at_ms < ?`,
		[]interface{}{string(StateUploaded), cutoff})
}

func (q *Queue) exec(ctx context.Context, query string, args []interface{}) (int, error) {
	res, err := q.db.ExecContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		State State `db:"state"`
		Count int   `db:"n"`
	}
	if err := q.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM track_points GROUP BY state`); err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, r := range rows {
		switch r.State {
		case StatePending:
			s.Pending = r.Count
		case StateInflight:
			s.Inflight = r.Count
		case StateFailed:
			s.Failed = r.Count
		case StateUploaded:
			s.Uploaded = r.Count
		}
	}
	return s, nil
}

// Points returns every stored point oldest first. Diagnostic use only.
func (q *Queue) Points(ctx context.Context) ([]Point, error) {
	var points []Point
	err := q.db.SelectContext(ctx, &points, `SELECT * FROM track_points ORDER BY ts_ms, id`)
	return points, err
}

// SessionID returns the cached server session, if any.
func (q *Queue) SessionID(ctx context.Context) (int64, bool, error) {
	var v string
	err := q.db.GetContext(ctx, &v, `SELECT value FROM queue_meta WHERE key = ?`, metaSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached session id %q: %w", v, err)
	}
	return id, true, nil
}

func (q *Queue) SetSessionID(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaSessionID, strconv.FormatInt(id, 10))
	return err
}

func (q *Queue) ClearSessionID(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_meta WHERE key = ?`, metaSessionID)
	return err
}

func nullable(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
