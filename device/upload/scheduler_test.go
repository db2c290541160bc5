package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type countingRunner struct {
	mu    sync.Mutex
	calls []time.Time
	fail  int
	ran   chan struct{}
}

func (r *countingRunner) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, time.Now())
	n := len(r.calls)
	r.mu.Unlock()
	select {
	case r.ran <- struct{}{}:
	default:
	}
	if n <= r.fail {
		return Result{}, fmt.Errorf("offline")
	}
	return Result{Uploaded: 1}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitRun(t *testing.T, r *countingRunner) {
	t.Helper()
	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner not called, %d calls so far", r.count())
	}
}

func TestSchedulerKick(t *testing.T) {
	r := &countingRunner{ran: make(chan struct{}, 10)}
	s := NewScheduler(r, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitRun(t, r)
	t.Log("With an hour-long interval only a kick can trigger the next pass.")
	s.Kick()
	waitRun(t, r)
	if r.count() != 2 {
		t.Fatalf("%d passes want 2", r.count())
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}

func TestSchedulerBacksOffThenRecovers(t *testing.T) {
	r := &countingRunner{ran: make(chan struct{}, 10), fail: 3}
	s := NewScheduler(r, time.Hour)
	s.NewBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		return b
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// three failures retried on the short backoff, then success parks on the interval
	for i := 0; i < 4; i++ {
		waitRun(t, r)
	}
	time.Sleep(100 * time.Millisecond)
	if r.count() != 4 {
		t.Fatalf("%d passes want 4", r.count())
	}
	r.mu.Lock()
	gap := r.calls[3].Sub(r.calls[2])
	r.mu.Unlock()
	if gap < 30*time.Millisecond {
		t.Fatalf("third retry came after %s, backoff did not grow", gap)
	}
}

func TestSchedulerHonoursRetryAfter(t *testing.T) {
	limited := &APIError{StatusCode: 429, Code: "rate_limited", RetryAfter: time.Hour}
	calls := 0
	runner := runnerFunc(func(ctx context.Context) (Result, error) {
		calls++
		return Result{RetryAfter: limited.RetryAfter}, limited
	})
	s := NewScheduler(runner, time.Millisecond)
	s.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)
	if calls != 1 {
		t.Fatalf("%d passes during a one hour Retry-After", calls)
	}
}

type runnerFunc func(ctx context.Context) (Result, error)

func (f runnerFunc) RunOnce(ctx context.Context) (Result, error) { return f(ctx) }
