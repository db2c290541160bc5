package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	q, err := Open(":memory:", capacity)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func mustEnqueue(t *testing.T, q *Queue, ts int64) int64 {
	t.Helper()
	acc := 12.0
	id, _, err := q.Enqueue(context.Background(), Point{TimestampMs: ts, Lat: 53.9, Lon: 27.56, AccuracyM: &acc})
	if err != nil {
		t.Fatalf("Enqueue(%d): %s", ts, err)
	}
	return id
}

func ids(points []Point) []int64 {
	out := make([]int64, len(points))
	for i := range points {
		out[i] = points[i].ID
	}
	return out
}

func assertStats(t *testing.T, q *Queue, want Stats) {
	t.Helper()
	got, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %s", err)
	}
	if got != want {
		t.Fatalf("Stats: got %+v want %+v", got, want)
	}
}

func TestLeaseIsOrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	for _, ts := range []int64{5000, 1000, 3000, 2000, 4000} {
		mustEnqueue(t, q, ts)
	}
	points, err := q.LeaseForUpload(ctx, 3, 10)
	if err != nil {
		t.Fatalf("LeaseForUpload: %s", err)
	}
	if len(points) != 3 {
		t.Fatalf("leased %d points want 3", len(points))
	}
	for i, want := range []int64{1000, 2000, 3000} {
		if points[i].TimestampMs != want {
			t.Fatalf("point %d has ts %d want %d", i, points[i].TimestampMs, want)
		}
		if points[i].State != StateInflight || points[i].LeaseID == nil {
			t.Fatalf("point %d not inflight: %+v", i, points[i])
		}
	}
	t.Log("A second lease only sees what is left.")
	rest, err := q.LeaseForUpload(ctx, 10, 10)
	if err != nil {
		t.Fatalf("LeaseForUpload: %s", err)
	}
	if len(rest) != 2 || rest[0].TimestampMs != 4000 || rest[1].TimestampMs != 5000 {
		t.Fatalf("second lease: %+v", rest)
	}
	assertStats(t, q, Stats{Inflight: 5})
}

func TestCommitTransitions(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	for ts := int64(1); ts <= 3; ts++ {
		mustEnqueue(t, q, ts*1000)
	}
	points, _ := q.LeaseForUpload(ctx, 3, 10)

	n, err := q.CommitUploaded(ctx, ids(points[:2]), 77)
	if err != nil || n != 2 {
		t.Fatalf("CommitUploaded: n=%d err=%v", n, err)
	}
	n, err = q.CommitFailed(ctx, ids(points[2:]), "HTTP 503")
	if err != nil || n != 1 {
		t.Fatalf("CommitFailed: n=%d err=%v", n, err)
	}
	assertStats(t, q, Stats{Uploaded: 2, Failed: 1})

	all, _ := q.Points(ctx)
	if !all[0].SyncFlag || all[0].SessionID != 77 || all[0].LeaseID != nil {
		t.Fatalf("uploaded point not marked: %+v", all[0])
	}
	if all[2].Attempts != 1 || all[2].LastError == nil || *all[2].LastError != "HTTP 503" {
		t.Fatalf("failed point not marked: %+v", all[2])
	}

	t.Log("Committing rows that are not inflight changes nothing.")
	n, _ = q.CommitUploaded(ctx, ids(points[2:]), 77)
	if n != 0 {
		t.Fatalf("committed a failed point as uploaded")
	}
	n, _ = q.CommitFailed(ctx, ids(points[:1]), "late")
	if n != 0 {
		t.Fatalf("failed an uploaded point")
	}

	t.Log("Failed points are leased again.")
	again, _ := q.LeaseForUpload(ctx, 10, 10)
	if len(again) != 1 || again[0].ID != points[2].ID {
		t.Fatalf("re-lease: %+v", again)
	}
}

func TestCommitRetryKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	mustEnqueue(t, q, 1000)
	for i := 0; i < 30; i++ {
		p, _ := q.LeaseForUpload(ctx, 1, 3)
		if len(p) != 1 {
			t.Fatalf("round %d: point parked after retries", i)
		}
		if n, err := q.CommitRetry(ctx, ids(p), "HTTP 429 rate_limited"); err != nil || n != 1 {
			t.Fatalf("CommitRetry: n=%d err=%v", n, err)
		}
	}
	all, _ := q.Points(ctx)
	if all[0].Attempts != 0 || all[0].State != StateFailed || *all[0].LastError != "HTTP 429 rate_limited" {
		t.Fatalf("retried point: %+v", all[0])
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	// "é" is two bytes; cutting at 3 would split the second one
	if got := truncate("aéé", 4); got != "aé" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("aéé", 5); got != "aéé" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("ab", 1); got != "a" {
		t.Fatalf("got %q", got)
	}
}

func TestLeaseSkipsExhaustedPoints(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	id := mustEnqueue(t, q, 1000)
	for i := 0; i < 3; i++ {
		p, _ := q.LeaseForUpload(ctx, 1, 3)
		if len(p) != 1 {
			t.Fatalf("attempt %d: nothing leased", i)
		}
		q.CommitFailed(ctx, []int64{id}, "boom")
	}
	p, err := q.LeaseForUpload(ctx, 1, 3)
	if err != nil {
		t.Fatalf("LeaseForUpload: %s", err)
	}
	if len(p) != 0 {
		t.Fatalf("point with 3 attempts leased with maxAttempts=3")
	}
	t.Log("It is still stored, just parked.")
	assertStats(t, q, Stats{Failed: 1})
}

func TestRecoverStuckInflight(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	mustEnqueue(t, q, 1000)
	mustEnqueue(t, q, 2000)
	leased, _ := q.LeaseForUpload(ctx, 2, 10)

	now = now.Add(5 * time.Minute)
	n, err := q.RecoverStuckInflight(ctx, DefaultStuckAfter)
	if err != nil || n != 0 {
		t.Fatalf("recovered young lease: n=%d err=%v", n, err)
	}
	now = now.Add(6 * time.Minute)
	n, err = q.RecoverStuckInflight(ctx, DefaultStuckAfter)
	if err != nil || n != 2 {
		t.Fatalf("RecoverStuckInflight: n=%d err=%v", n, err)
	}
	assertStats(t, q, Stats{Failed: 2})

	t.Log("A commit from the abandoned lease is ignored.")
	if n, _ := q.CommitUploaded(ctx, ids(leased), 1); n != 0 {
		t.Fatalf("stale commit applied to %d rows", n)
	}
	all, _ := q.Points(ctx)
	if *all[0].LastError != recoveredStuckReason {
		t.Fatalf("last_error = %q", *all[0].LastError)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	mustEnqueue(t, q, 1000)
	mustEnqueue(t, q, 2000)
	leased, _ := q.LeaseForUpload(ctx, 1, 10)
	q.CommitUploaded(ctx, ids(leased), 5)

	now = now.Add(8 * 24 * time.Hour)
	n, err := q.Prune(ctx, DefaultRetention)
	if err != nil || n != 1 {
		t.Fatalf("Prune: n=%d err=%v", n, err)
	}
	t.Log("Undelivered points survive pruning however old they are.")
	assertStats(t, q, Stats{Pending: 1})
}

func TestBoundedQueueEvictsOldestUndelivered(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 5)
	for ts := int64(1); ts <= 5; ts++ {
		mustEnqueue(t, q, ts*1000)
	}
	leased, _ := q.LeaseForUpload(ctx, 1, 10)
	q.CommitUploaded(ctx, ids(leased), 1)

	for ts := int64(6); ts <= 9; ts++ {
		_, evicted, err := q.Enqueue(ctx, Point{TimestampMs: ts * 1000, Lat: 1, Lon: 1})
		if err != nil {
			t.Fatalf("Enqueue: %s", err)
		}
		wantEvicted := 0
		if ts >= 7 {
			wantEvicted = 1
		}
		if evicted != wantEvicted {
			t.Fatalf("ts=%d evicted %d want %d", ts, evicted, wantEvicted)
		}
		st, _ := q.Stats(ctx)
		if st.Depth() > 5 {
			t.Fatalf("depth %d exceeds capacity", st.Depth())
		}
	}
	assertStats(t, q, Stats{Pending: 5, Uploaded: 1})
	all, _ := q.Points(ctx)
	var pendingTs []int64
	for _, p := range all {
		if p.State == StatePending {
			pendingTs = append(pendingTs, p.TimestampMs)
		}
	}
	want := []int64{5000, 6000, 7000, 8000, 9000}
	for i := range want {
		if pendingTs[i] != want[i] {
			t.Fatalf("survivors %v want %v", pendingTs, want)
		}
	}
}

// Points leased before the process died come back after a restart.
func TestNoLossAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }
	for ts := int64(1); ts <= 4; ts++ {
		mustEnqueue(t, q, ts*1000)
	}
	if _, err := q.LeaseForUpload(ctx, 3, 10); err != nil {
		t.Fatalf("LeaseForUpload: %s", err)
	}
	if err := q.SetSessionID(ctx, 42); err != nil {
		t.Fatalf("SetSessionID: %s", err)
	}
	q.Close()

	t.Log("Reopen as if the process had been killed mid-upload.")
	q, err = Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer q.Close()
	now = now.Add(11 * time.Minute)
	q.now = func() time.Time { return now }
	if n, _ := q.RecoverStuckInflight(ctx, DefaultStuckAfter); n != 3 {
		t.Fatalf("recovered %d want 3", n)
	}
	points, err := q.LeaseForUpload(ctx, 10, 10)
	if err != nil {
		t.Fatalf("LeaseForUpload: %s", err)
	}
	if len(points) != 4 {
		t.Fatalf("leased %d after restart want 4", len(points))
	}
	sid, ok, err := q.SessionID(ctx)
	if err != nil || !ok || sid != 42 {
		t.Fatalf("cached session: %d %v %v", sid, ok, err)
	}
}

func TestSessionIDCache(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, 0)
	if _, ok, err := q.SessionID(ctx); ok || err != nil {
		t.Fatalf("empty queue has a session: ok=%v err=%v", ok, err)
	}
	q.SetSessionID(ctx, 1)
	q.SetSessionID(ctx, 2)
	if sid, ok, _ := q.SessionID(ctx); !ok || sid != 2 {
		t.Fatalf("got %d want 2", sid)
	}
	q.ClearSessionID(ctx)
	if _, ok, _ := q.SessionID(ctx); ok {
		t.Fatalf("session survived ClearSessionID")
	}
}
