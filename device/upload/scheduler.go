package upload

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
}

// Scheduler calls RunOnce every interval while things go well and backs off
// exponentially while they don't. Kick runs a pass straight away, e.g. when the
// platform reports that connectivity came back.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	kick     chan struct{}
	// NewBackOff is called once per Run. Tests shorten it.
	NewBackOff func() backoff.BackOff
}

func NewScheduler(r Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:     r,
		interval:   interval,
		kick:       make(chan struct{}, 1),
		NewBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Kick never blocks; kicks that arrive while one is pending are merged.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. The first pass happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	b := s.NewBackOff()
	b.Reset()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.kick:
			b.Reset()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		res, err := s.runner.RunOnce(ctx)
		wait := s.interval
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				wait = s.interval
			}
			if res.RetryAfter > wait {
				wait = res.RetryAfter
			}
			logger.Warn().Err(err).Dur("retry_in", wait).Str("class", Classify(err).String()).Msg("upload pass failed")
		} else {
			b.Reset()
			if res.Uploaded > 0 {
				logger.Debug().Int("uploaded", res.Uploaded).Int("batches", res.Batches).Msg("upload pass done")
			}
		}
		timer.Reset(wait)
	}
}

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassSessionConflict:
		return "session_conflict"
	case ClassRateLimited:
		return "rate_limited"
	case ClassValidation:
		return "validation"
	}
	return "unknown"
}
