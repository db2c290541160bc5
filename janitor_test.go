package tracklink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldops/tracklink/state"
)

type fakeCleaner struct {
	mu      sync.Mutex
	history []state.Retention
	pruned  state.Pruned
	err     error
}

func (c *fakeCleaner) Cleanup(ctx context.Context, r state.Retention) (state.Pruned, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, r)
	return c.pruned, c.err
}

func (c *fakeCleaner) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func TestJanitorSweepUsesRetention(t *testing.T) {
	c := &fakeCleaner{pruned: state.Pruned{Fingerprints: 7, Points: 3, HealthLog: 2}}
	j := NewJanitor(c, RetentionPeriods{
		Fingerprints: 30 * 24 * time.Hour,
		Points:       90 * 24 * time.Hour,
		HealthLog:    30 * 24 * time.Hour,
	}, time.Hour)
	now := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	if n := j.Sweep(context.Background()); n != 12 {
		t.Fatalf("Sweep returned %d want 12", n)
	}
	got := c.history[0]
	if want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC); !got.Fingerprints.Equal(want) || !got.HealthLog.Equal(want) {
		t.Fatalf("boundaries %+v want %v", got, want)
	}
	if want := time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC); !got.Points.Equal(want) {
		t.Fatalf("points boundary %v want %v", got.Points, want)
	}

	t.Log("A failure part way still reports what was deleted.")
	c.pruned = state.Pruned{Fingerprints: 4}
	c.err = errors.New("boom")
	if n := j.Sweep(context.Background()); n != 4 {
		t.Fatalf("Sweep returned %d on error", n)
	}
}

func TestJanitorSkipsDisabledTables(t *testing.T) {
	c := &fakeCleaner{}
	j := NewJanitor(c, RetentionPeriods{Points: time.Hour}, time.Hour)
	j.Sweep(context.Background())
	if c.calls() != 1 {
		t.Fatalf("cleanup called %d times", c.calls())
	}
	if r := c.history[0]; !r.Fingerprints.IsZero() || !r.HealthLog.IsZero() || r.Points.IsZero() {
		t.Fatalf("retention %+v", r)
	}

	t.Log("With nothing to prune the store is not touched.")
	j = NewJanitor(c, RetentionPeriods{}, time.Hour)
	j.Sweep(context.Background())
	if c.calls() != 1 {
		t.Fatalf("cleanup called with retention disabled")
	}
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	c := &fakeCleaner{}
	j := NewJanitor(c, RetentionPeriods{Fingerprints: time.Hour}, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for c.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not tick, calls=%d", c.calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
