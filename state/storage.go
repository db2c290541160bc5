package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

// Points implying a faster move from their predecessor are flagged FlagJump.
const MaxPlausibleSpeedMps = 80.0

var (
	ErrUnknownToken  = errors.New("unknown device token")
	ErrRevokedDevice = errors.New("device has been revoked")
)

// SessionInactiveError is returned when a device uploads into a session which is
// not its active one.
type SessionInactiveError struct {
	Requested int64
	// ActiveID is nil when the device has no active session at all.
	ActiveID *int64
}

func (e *SessionInactiveError) Error() string {
	if e.ActiveID == nil {
		return fmt.Sprintf("session %d is not active and the device has no active session", e.Requested)
	}
	return fmt.Sprintf("session %d is not active, active session is %d", e.Requested, *e.ActiveID)
}

type InsertResult struct {
	SessionID int64
	// StartedSession is set when the upload opened a new session.
	StartedSession *Session
	Inserted       []Point
	Dedup          int
	FirstTs        *int64
	LastTs         *int64
}

type Storage struct {
	Devices      *DevicesTable
	Sessions     *SessionsTable
	Points       *PointsTable
	Fingerprints *FingerprintTable
	Health       *HealthTable
	DB           *sqlx.DB

	batchSize prometheus.Histogram
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		Devices:      NewDevicesTable(db),
		Sessions:     NewSessionsTable(db),
		Points:       NewPointsTable(db),
		Fingerprints: NewFingerprintTable(db),
		Health:       NewHealthTable(db),
		DB:           db,
	}
	if addPrometheusMetrics {
		s.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracklink",
			Subsystem: "state",
			Name:      "points_batch_size",
			Help:      "Number of points per stored upload batch",
			Buckets:   []float64{1, 5, 20, 50, 100, 200, 500},
		})
		prometheus.MustRegister(s.batchSize)
	}
	return s
}

func (s *Storage) Teardown() {
	if s.batchSize != nil {
		prometheus.Unregister(s.batchSize)
	}
	if err := s.DB.Close(); err != nil {
		logger.Err(err).Msg("failed to close DB")
	}
}

// CreateDevice registers a device for userID and returns it along with its plaintext
// token. Only the token hash is stored.
func (s *Storage) CreateDevice(ctx context.Context, userID, label string) (*Device, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	token := hex.EncodeToString(raw)
	d := Device{
		DeviceID:    uuid.NewString(),
		UserID:      userID,
		Label:       label,
		TokenHash:   HashToken(token),
		CreatedAtMs: time.Now().UnixMilli(),
	}
	err := sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		return s.Devices.Insert(txn, d)
	})
	if err != nil {
		return nil, "", err
	}
	return &d, token, nil
}

// Authenticate resolves a plaintext token. It returns ErrUnknownToken or
// ErrRevokedDevice when the token cannot be used.
func (s *Storage) Authenticate(ctx context.Context, token string) (*Device, error) {
	d, err := s.Devices.SelectByTokenHash(HashToken(token))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrUnknownToken
	}
	if d.Revoked() {
		return d, ErrRevokedDevice
	}
	return d, nil
}

// StartSession closes the device's active session, if any, and opens a new one.
func (s *Storage) StartSession(ctx context.Context, dev *Device, lat, lon *float64) (started *Session, closedID int64, err error) {
	now := time.Now()
	err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := lockDevice(txn, dev.DeviceID); err != nil {
			return err
		}
		closedID, err = s.Sessions.CloseActive(txn, dev.DeviceID, now)
		if err != nil {
			return fmt.Errorf("close active session: %w", err)
		}
		started, err = s.Sessions.Insert(txn, dev.DeviceID, dev.UserID, now, lat, lon)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return s.Devices.Touch(txn, dev.DeviceID, now)
	})
	return
}

// StopSession closes the active session and returns its id, or 0 if there was none.
func (s *Storage) StopSession(ctx context.Context, dev *Device) (closedID int64, err error) {
	err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := lockDevice(txn, dev.DeviceID); err != nil {
			return err
		}
		closedID, err = s.Sessions.CloseActive(txn, dev.DeviceID, time.Now())
		return err
	})
	return
}

// InsertPoints stores a batch of device fixes. When sessionID is non-zero it must
// be the device's active session or a *SessionInactiveError is returned and nothing
// is written. When it is zero the active session is used, opening one if needed.
// The whole check-then-insert holds a per-device lock so concurrent uploads from the
// same device serialise.
func (s *Storage) InsertPoints(ctx context.Context, dev *Device, sessionID int64, points []Point) (*InsertResult, error) {
	ctx, span := internal.StartSpan(ctx, "InsertPoints")
	defer span.End()
	span.SetAttributes(attribute.Int("points", len(points)))

	res := &InsertResult{}
	now := time.Now()
	err := sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := lockDevice(txn, dev.DeviceID); err != nil {
			return err
		}
		active, err := s.Sessions.SelectActive(txn, dev.DeviceID)
		if err != nil {
			return fmt.Errorf("select active session: %w", err)
		}
		if sessionID != 0 {
			if active == nil || active.ID != sessionID {
				e := &SessionInactiveError{Requested: sessionID}
				if active != nil {
					e.ActiveID = &active.ID
				}
				return e
			}
		} else if active == nil {
			active, err = s.Sessions.Insert(txn, dev.DeviceID, dev.UserID, now, nil, nil)
			if err != nil {
				return fmt.Errorf("auto-start session: %w", err)
			}
			res.StartedSession = active
		}
		res.SessionID = active.ID
		if len(points) == 0 {
			return nil
		}
		res.Inserted, err = s.insertLocked(txn, dev, active.ID, points, now)
		if err != nil {
			return err
		}
		res.Dedup = len(points) - len(res.Inserted)
		return s.Devices.Touch(txn, dev.DeviceID, now)
	})
	if err != nil {
		return nil, err
	}
	for i := range res.Inserted {
		ts := res.Inserted[i].TimestampMs
		if res.FirstTs == nil || ts < *res.FirstTs {
			res.FirstTs = &ts
		}
		if res.LastTs == nil || ts > *res.LastTs {
			t := ts
			res.LastTs = &t
		}
	}
	if s.batchSize != nil {
		s.batchSize.Observe(float64(len(points)))
	}
	return res, nil
}

// InsertEstimate adds a server-derived point to the device's active session through
// the same dedup path as device uploads. It returns nil, nil when there is no
// active session or the timestamp is already taken.
func (s *Storage) InsertEstimate(ctx context.Context, dev *Device, p Point) (*Point, error) {
	var inserted []Point
	err := sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := lockDevice(txn, dev.DeviceID); err != nil {
			return err
		}
		active, err := s.Sessions.SelectActive(txn, dev.DeviceID)
		if err != nil || active == nil {
			return err
		}
		inserted, err = s.insertLocked(txn, dev, active.ID, []Point{p}, time.Now())
		return err
	})
	if err != nil || len(inserted) == 0 {
		return nil, err
	}
	return &inserted[0], nil
}

// insertLocked sorts the batch, drops duplicate timestamps within it and flags
// device fixes that imply an implausible speed from the point before them.
func (s *Storage) insertLocked(txn *sqlx.Tx, dev *Device, sessionID int64, points []Point, now time.Time) ([]Point, error) {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	slices.SortStableFunc(sorted, func(a, b Point) int {
		switch {
		case a.TimestampMs < b.TimestampMs:
			return -1
		case a.TimestampMs > b.TimestampMs:
			return 1
		}
		return 0
	})
	sorted = slices.CompactFunc(sorted, func(a, b Point) bool {
		return a.TimestampMs == b.TimestampMs
	})

	prev, err := s.Points.SelectLatestBefore(txn, sessionID, sorted[0].TimestampMs)
	if err != nil {
		return nil, fmt.Errorf("select previous point: %w", err)
	}
	for i := range sorted {
		p := &sorted[i]
		p.SessionID = sessionID
		p.DeviceID = dev.DeviceID
		p.UserID = dev.UserID
		p.ReceivedAtMs = now.UnixMilli()
		if p.Kind == "" {
			p.Kind = KindFix
		}
		if p.Source == "" {
			p.Source = SourceApp
		}
		if p.Kind == KindFix && prev != nil {
			v := internal.ImpliedSpeed(prev.Lat, prev.Lon, prev.TimestampMs, p.Lat, p.Lon, p.TimestampMs)
			if v > MaxPlausibleSpeedMps && !p.HasFlag(FlagJump) {
				p.Flags = append(p.Flags, FlagJump)
			}
		}
		if p.Kind == KindFix {
			prev = p
		}
	}
	return s.Points.Insert(txn, sorted)
}

// StoreFingerprints writes samples that have already been hashed and trimmed.
func (s *Storage) StoreFingerprints(ctx context.Context, dev *Device, samples []fingerprint.Sample) error {
	now := time.Now()
	return sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := s.Fingerprints.Insert(txn, dev.UserID, samples, now); err != nil {
			return fmt.Errorf("insert fingerprints: %w", err)
		}
		return s.Devices.Touch(txn, dev.DeviceID, now)
	})
}

// Anchors loads the training samples the device is matched against.
func (s *Storage) Anchors(ctx context.Context, deviceID string, p fingerprint.Params, now time.Time) ([]fingerprint.Anchor, error) {
	_, span := internal.StartSpan(ctx, "Anchors")
	defer span.End()
	anchors, err := s.Fingerprints.SelectAnchors(deviceID, now.Add(-p.AnchorWindow), p.AnchorLimit, p.AnchorMaxAccuracyM)
	span.SetAttributes(attribute.Int("anchors", len(anchors)))
	return anchors, err
}

// RecordHealth upserts the latest heartbeat and appends it to the history when the
// previous history entry is at least logGap old.
func (s *Storage) RecordHealth(ctx context.Context, h *Health, logGap time.Duration) (out *Health, err error) {
	if h.UpdatedAtMs == 0 {
		h.UpdatedAtMs = time.Now().UnixMilli()
	}
	err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := lockDevice(txn, h.DeviceID); err != nil {
			return err
		}
		out, err = s.Health.Upsert(txn, h)
		if err != nil {
			return fmt.Errorf("upsert health: %w", err)
		}
		if _, err = s.Health.AppendLog(txn, out, logGap); err != nil {
			return fmt.Errorf("append health log: %w", err)
		}
		return s.Devices.Touch(txn, h.DeviceID, time.Now())
	})
	return
}

// AttachEstimate records the latest position estimate under extra.pos_est.
func (s *Storage) AttachEstimate(ctx context.Context, dev *Device, est *fingerprint.Estimate) error {
	return sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		return s.Health.SetExtraKey(txn, dev.DeviceID, dev.UserID, "pos_est", est, time.Now())
	})
}

// Retention holds the boundaries Cleanup deletes before. A zero time keeps that table.
type Retention struct {
	Fingerprints time.Time
	Points       time.Time
	HealthLog    time.Time
}

// Pruned counts the rows Cleanup deleted per table.
type Pruned struct {
	Fingerprints int64
	Points       int64
	HealthLog    int64
}

func (p Pruned) Total() int64 {
	return p.Fingerprints + p.Points + p.HealthLog
}

// Cleanup deletes rows older than the boundaries in r. Tables are pruned one by one
// so a failure still reports what was already deleted.
func (s *Storage) Cleanup(ctx context.Context, r Retention) (Pruned, error) {
	_, span := internal.StartSpan(ctx, "Cleanup")
	defer span.End()
	var out Pruned
	for _, step := range []struct {
		name     string
		boundary time.Time
		del      func(time.Time) (int64, error)
		n        *int64
	}{
		{"fingerprints", r.Fingerprints, s.Fingerprints.DeleteBefore, &out.Fingerprints},
		{"points", r.Points, s.Points.DeleteBefore, &out.Points},
		{"health log", r.HealthLog, s.Health.DeleteLogBefore, &out.HealthLog},
	} {
		if step.boundary.IsZero() {
			continue
		}
		n, err := step.del(step.boundary)
		if err != nil {
			span.RecordError(err)
			return out, fmt.Errorf("delete old %s: %w", step.name, err)
		}
		*step.n = n
	}
	span.SetAttributes(attribute.Int64("deleted", out.Total()))
	return out, nil
}

// DeviceStatuses returns the latest heartbeat and newest point time of every active device.
func (s *Storage) DeviceStatuses(ctx context.Context) ([]DeviceStatus, error) {
	_, span := internal.StartSpan(ctx, "DeviceStatuses")
	defer span.End()
	return s.Health.SelectStatuses()
}

func lockDevice(txn *sqlx.Tx, deviceID string) error {
	if _, err := txn.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, deviceID); err != nil {
		return fmt.Errorf("lock device %s: %w", deviceID, err)
	}
	return nil
}
