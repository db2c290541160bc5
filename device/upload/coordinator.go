// Package upload drains the on-device queue to the tracker API.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fieldops/tracklink/device/quality"
	"github.com/fieldops/tracklink/device/queue"
	"github.com/fieldops/tracklink/fingerprint"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Store is the part of the queue the coordinator needs.
type Store interface {
	RecoverStuckInflight(ctx context.Context, olderThan time.Duration) (int, error)
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	LeaseForUpload(ctx context.Context, limit, maxAttempts int) ([]queue.Point, error)
	CommitUploaded(ctx context.Context, ids []int64, sessionID int64) (int, error)
	CommitFailed(ctx context.Context, ids []int64, reason string) (int, error)
	CommitRetry(ctx context.Context, ids []int64, reason string) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
	SessionID(ctx context.Context) (int64, bool, error)
	SetSessionID(ctx context.Context, id int64) error
}

// API is implemented by Client.
type API interface {
	StartSession(ctx context.Context) (*SessionResponse, error)
	SubmitPoints(ctx context.Context, sessionID int64, points []PointPayload) (*PointsResponse, error)
	SubmitHealth(ctx context.Context, h HealthPayload) error
	SubmitFingerprints(ctx context.Context, samples []FingerprintPayload) (*FingerprintResponse, error)
}

// FixSource reports the newest accepted fix. quality.Filter implements it.
type FixSource interface {
	LastAccepted() (quality.Fix, bool)
}

// WifiReading is one access point as the platform reports it.
type WifiReading struct {
	BSSID   string
	SSID    string
	RSSI    int
	FreqMHz int
}

// Scan is one radio environment snapshot. Identifiers are digested before they
// leave the device.
type Scan struct {
	Wifi []WifiReading
	Cell []fingerprint.CellObservation
}

type RadioScanner interface {
	Scan(ctx context.Context) (Scan, error)
}

// DeviceStatus is whatever the host platform can tell about itself. Nil fields
// are omitted from the heartbeat.
type DeviceStatus struct {
	BatteryPct *int
	IsCharging *bool
	GPSOn      *bool
	NetType    string
}

type StatusProvider interface {
	Status() DeviceStatus
}

type Config struct {
	BatchSize           int           `yaml:"batch_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
	StuckAfter          time.Duration `yaml:"stuck_after"`
	Retention           time.Duration `yaml:"retention"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	FingerprintInterval time.Duration `yaml:"fingerprint_interval"`
	// a fix younger and tighter than this labels a scan as training data
	TrainFixMaxAge   time.Duration `yaml:"train_fix_max_age"`
	TrainMaxAccuracy float64       `yaml:"train_max_accuracy_m"`
	Mode             quality.Mode  `yaml:"mode"`
	AppVersion       string        `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           200,
		MaxAttempts:         20,
		StuckAfter:          queue.DefaultStuckAfter,
		Retention:           queue.DefaultRetention,
		HealthInterval:      45 * time.Second,
		FingerprintInterval: 60 * time.Second,
		TrainFixMaxAge:      45 * time.Second,
		TrainMaxAccuracy:    60,
		Mode:                quality.ModeNormal,
	}
}

// MaxBatchSize is the largest batch the server accepts.
const MaxBatchSize = 500

// Result summarises one RunOnce.
type Result struct {
	Uploaded int
	Failed   int
	Batches  int
	Dedup    int
	// RetryAfter is the server's hint when it rate limited us.
	RetryAfter time.Duration
}

type Coordinator struct {
	cfg     Config
	store   Store
	api     API
	fixes   FixSource
	scanner RadioScanner
	status  StatusProvider
	now     func() time.Time

	// one pass at a time
	mu              sync.Mutex
	lastHealth      time.Time
	lastFingerprint time.Time
	lastSendAt      time.Time
	lastError       string
}

// NewCoordinator wires a coordinator. fixes, scanner and status may be nil.
func NewCoordinator(cfg Config, store Store, api API, fixes FixSource, scanner RadioScanner, status StatusProvider) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		api:     api,
		fixes:   fixes,
		scanner: scanner,
		status:  status,
		now:     time.Now,
	}
}

// RunOnce recovers abandoned leases, drains the queue batch by batch and then
// sends a heartbeat and a radio scan when they are due. It stops draining on the
// first failed batch and returns that error.
func (c *Coordinator) RunOnce(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	if _, err := c.store.RecoverStuckInflight(ctx, c.cfg.StuckAfter); err != nil {
		return res, fmt.Errorf("recover stuck points: %w", err)
	}
	if n, err := c.store.Prune(ctx, c.cfg.Retention); err != nil {
		logger.Warn().Err(err).Msg("failed to prune uploaded points")
	} else if n > 0 {
		logger.Debug().Int("pruned", n).Msg("pruned uploaded points")
	}

	err := c.drain(ctx, &res)
	if err != nil {
		c.lastError = err.Error()
		var apiErr *APIError
		if errors.As(err, &apiErr) && Classify(err) == ClassRateLimited {
			res.RetryAfter = apiErr.RetryAfter
		}
	}
	if ctx.Err() == nil {
		c.maybeHeartbeat(ctx)
		c.maybeFingerprint(ctx)
	}
	return res, err
}

func (c *Coordinator) drain(ctx context.Context, res *Result) error {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if st.Pending+st.Failed == 0 {
		return nil
	}
	// no lease is taken until there is a session to send it under
	sessionID, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	for {
		batch, err := c.store.LeaseForUpload(ctx, c.cfg.BatchSize, c.cfg.MaxAttempts)
		if err != nil {
			return fmt.Errorf("lease points: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		res.Batches++
		ids := make([]int64, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}

		resp, err := c.uploadBatch(ctx, &sessionID, batch)
		// commit even if ctx was cancelled mid-request so the points do not sit inflight
		commitCtx := context.WithoutCancel(ctx)
		if err != nil {
			c.release(commitCtx, ids, err)
			res.Failed += len(batch)
			logger.Warn().Err(err).Int("points", len(batch)).Int64("session", sessionID).Msg("upload failed")
			return err
		}
		if _, err := c.store.CommitUploaded(commitCtx, ids, sessionID); err != nil {
			return fmt.Errorf("commit uploaded: %w", err)
		}
		res.Uploaded += len(batch)
		res.Dedup += resp.Dedup
		c.lastSendAt = c.now()
		c.lastError = ""
		logger.Info().Int64("session", sessionID).Int("points", len(batch)).
			Int("accepted", resp.Accepted).Int("dedup", resp.Dedup).Int("rejected", resp.Rejected).
			Msg("uploaded batch")
		if len(batch) < c.cfg.BatchSize {
			return nil
		}
	}
}

// release hands a failed batch back to the queue. Only failures that would repeat
// for the same points use up an attempt.
func (c *Coordinator) release(ctx context.Context, ids []int64, cause error) {
	var err error
	if countsAttempt(cause) {
		_, err = c.store.CommitFailed(ctx, ids, cause.Error())
	} else {
		_, err = c.store.CommitRetry(ctx, ids, cause.Error())
	}
	if err != nil {
		logger.Err(err).Msg("failed to release batch")
	}
}

var errUploadPanic = errors.New("panic during upload")

func countsAttempt(err error) bool {
	if errors.Is(err, errUploadPanic) {
		return true
	}
	switch Classify(err) {
	case ClassValidation, ClassSessionConflict:
		return true
	}
	return false
}

func (c *Coordinator) ensureSession(ctx context.Context) (int64, error) {
	id, ok, err := c.store.SessionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cached session: %w", err)
	}
	if ok {
		return id, nil
	}
	return c.startSession(ctx)
}

func (c *Coordinator) startSession(ctx context.Context) (int64, error) {
	s, err := c.api.StartSession(ctx)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	if err := c.store.SetSessionID(ctx, s.SessionID); err != nil {
		return 0, fmt.Errorf("cache session: %w", err)
	}
	logger.Info().Int64("session", s.SessionID).Msg("started tracking session")
	return s.SessionID, nil
}

// uploadBatch submits one batch. When the server says the session is no longer
// active it switches to the session the server names, or starts a fresh one, and
// resends the same batch exactly once.
func (c *Coordinator) uploadBatch(ctx context.Context, sessionID *int64, batch []queue.Point) (resp *PointsResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("panic while uploading batch")
			resp, err = nil, fmt.Errorf("%w: %v", errUploadPanic, r)
		}
	}()
	payload := toPayload(batch)
	resp, err = c.api.SubmitPoints(ctx, *sessionID, payload)
	if Classify(err) == ClassSessionConflict {
		stale := *sessionID
		newID, serr := c.reconcileSession(ctx, stale, err)
		if serr != nil {
			return nil, fmt.Errorf("reconcile session %d: %w", stale, serr)
		}
		logger.Info().Int64("stale", stale).Int64("session", newID).Msg("session was closed by the server, resending batch")
		*sessionID = newID
		resp, err = c.api.SubmitPoints(ctx, newID, payload)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Coordinator) reconcileSession(ctx context.Context, stale int64, conflict error) (int64, error) {
	var apiErr *APIError
	if errors.As(conflict, &apiErr) {
		if active, ok := apiErr.ActiveSessionID(); ok && active != stale {
			if err := c.store.SetSessionID(ctx, active); err != nil {
				return 0, fmt.Errorf("cache session: %w", err)
			}
			return active, nil
		}
	}
	return c.startSession(ctx)
}

func toPayload(batch []queue.Point) []PointPayload {
	out := make([]PointPayload, len(batch))
	for i, p := range batch {
		out[i] = PointPayload{
			TS:         p.TimestampMs,
			Lat:        p.Lat,
			Lon:        p.Lon,
			Acc:        p.AccuracyM,
			SpeedMps:   p.SpeedMps,
			BearingDeg: p.BearingDeg,
		}
	}
	return out
}

func (c *Coordinator) maybeHeartbeat(ctx context.Context) {
	now := c.now()
	if !c.lastHealth.IsZero() && now.Sub(c.lastHealth) < c.cfg.HealthInterval {
		return
	}
	c.lastHealth = now

	h := HealthPayload{
		LastError:  c.lastError,
		AppVersion: c.cfg.AppVersion,
		Extra:      map[string]interface{}{"mode": string(c.cfg.Mode)},
	}
	tracking := true
	h.TrackingOn = &tracking
	if st, err := c.store.Stats(ctx); err == nil {
		depth := st.Depth()
		h.QueueSize = &depth
	}
	if !c.lastSendAt.IsZero() {
		h.LastSendAt = c.lastSendAt.UTC().Format(time.RFC3339)
	}
	if c.status != nil {
		s := c.status.Status()
		h.BatteryPct, h.IsCharging, h.GPSOn, h.NetType = s.BatteryPct, s.IsCharging, s.GPSOn, s.NetType
	}
	if err := c.api.SubmitHealth(ctx, h); err != nil {
		logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (c *Coordinator) maybeFingerprint(ctx context.Context) {
	if c.scanner == nil {
		return
	}
	now := c.now()
	if !c.lastFingerprint.IsZero() && now.Sub(c.lastFingerprint) < c.cfg.FingerprintInterval {
		return
	}
	c.lastFingerprint = now

	scan, err := c.scanner.Scan(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("radio scan failed")
		return
	}
	if len(scan.Wifi) == 0 && len(scan.Cell) == 0 {
		return
	}
	sample := c.buildSample(now, scan)
	resp, err := c.api.SubmitFingerprints(ctx, []FingerprintPayload{sample})
	if err != nil {
		logger.Warn().Err(err).Msg("fingerprint upload failed")
		return
	}
	ev := logger.Debug().Str("purpose", sample.Purpose).Int("wifi", len(sample.Wifi)).Int("stored", resp.Stored)
	if resp.PosEst != nil {
		ev = ev.Float64("est_lat", resp.PosEst.Lat).Float64("est_lon", resp.PosEst.Lon).Float64("est_acc", resp.PosEst.AccuracyM)
	}
	ev.Msg("sent fingerprint")
}

func (c *Coordinator) buildSample(now time.Time, scan Scan) FingerprintPayload {
	sample := FingerprintPayload{
		TS:      now.UnixMilli(),
		Mode:    string(c.cfg.Mode),
		Purpose: string(fingerprint.PurposeLocate),
	}
	for _, w := range scan.Wifi {
		sample.Wifi = append(sample.Wifi, WifiPayload{
			BSSID: fingerprint.HashIdentifier(w.BSSID),
			SSID:  fingerprint.HashIdentifier(w.SSID),
			RSSI:  w.RSSI,
			Freq:  w.FreqMHz,
		})
	}
	for _, cl := range scan.Cell {
		sample.Cell = append(sample.Cell, CellPayload{
			Type: cl.Type, MCC: cl.MCC, MNC: cl.MNC, CI: cl.CellID, TAC: cl.AreaCode, PCI: cl.PCI, DBM: cl.DBM,
		})
	}
	if c.fixes == nil {
		return sample
	}
	fix, ok := c.fixes.LastAccepted()
	if !ok {
		return sample
	}
	age := time.Duration(now.UnixMilli()-fix.TimestampMs) * time.Millisecond
	if age >= 0 && age <= c.cfg.TrainFixMaxAge && fix.AccuracyM <= c.cfg.TrainMaxAccuracy {
		lat, lon, acc := fix.Lat, fix.Lon, fix.AccuracyM
		sample.Lat, sample.Lon, sample.AccuracyM = &lat, &lon, &acc
		sample.Purpose = string(fingerprint.PurposeTrain)
	}
	return sample
}
