package ingest

import (
	"math"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Rate limit buckets. The names are reported to devices in details.reason.
const (
	LimitPoints       = "points"
	LimitHealth       = "health"
	LimitFingerprints = "fingerprints"
)

const limitWindow = time.Minute

// limiter holds one token bucket per (bucket, device). Idle buckets expire so the
// table does not grow with every device ever seen.
type limiter struct {
	perMinute map[string]int
	mu        sync.Mutex
	buckets   *ttlcache.Cache[string, *rate.Limiter]
}

func newLimiter(perMinute map[string]int) *limiter {
	l := &limiter{
		perMinute: perMinute,
		buckets: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](10 * limitWindow),
		),
	}
	go l.buckets.Start()
	return l
}

func (l *limiter) stop() {
	l.buckets.Stop()
}

// allow takes a token from the device's bucket. When none is available it returns
// how long to wait before retrying.
func (l *limiter) allow(bucket, deviceID string, now time.Time) (bool, time.Duration) {
	limit := l.perMinute[bucket]
	if limit <= 0 {
		return true, 0
	}
	key := bucket + "|" + deviceID
	l.mu.Lock()
	var lim *rate.Limiter
	if item := l.buckets.Get(key); item != nil {
		lim = item.Value()
	} else {
		lim = rate.NewLimiter(rate.Every(limitWindow/time.Duration(limit)), limit)
		l.buckets.Set(key, lim, ttlcache.DefaultTTL)
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, limitWindow
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// retryAfterSeconds rounds up so devices never retry too early.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
