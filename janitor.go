package tracklink

import (
	"context"
	"time"

	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/state"
)

// Cleaner deletes stored rows older than the given boundaries.
type Cleaner interface {
	Cleanup(ctx context.Context, r state.Retention) (state.Pruned, error)
}

// RetentionPeriods says how long each kind of row is kept. Zero keeps it forever.
type RetentionPeriods struct {
	Fingerprints time.Duration
	Points       time.Duration
	HealthLog    time.Duration
}

// Janitor periodically prunes old fingerprints, points and heartbeat history.
type Janitor struct {
	store    Cleaner
	keep     RetentionPeriods
	interval time.Duration
	now      func() time.Time
}

func NewJanitor(store Cleaner, keep RetentionPeriods, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		keep:     keep,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs a single cleanup pass and returns how many rows went. Errors are
// logged and reported, never fatal.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	now := j.now()
	r := state.Retention{
		Fingerprints: boundary(now, j.keep.Fingerprints),
		Points:       boundary(now, j.keep.Points),
		HealthLog:    boundary(now, j.keep.HealthLog),
	}
	if r == (state.Retention{}) {
		return 0
	}
	pruned, err := j.store.Cleanup(ctx, r)
	if err != nil && ctx.Err() == nil {
		logger.Err(err).Msg("janitor: cleanup failed")
		internal.CaptureError(ctx, err)
	}
	if pruned.Total() > 0 {
		logger.Info().
			Int64("fingerprints", pruned.Fingerprints).
			Int64("points", pruned.Points).
			Int64("health_log", pruned.HealthLog).
			Msg("janitor: deleted old rows")
	}
	return pruned.Total()
}

func boundary(now time.Time, keep time.Duration) time.Time {
	if keep <= 0 {
		return time.Time{}
	}
	return now.Add(-keep)
}
