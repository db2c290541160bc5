// Package alerting turns device heartbeats and point arrival times into dashboard
// alerts. Alerts are raised, updated and closed on the tracking pubsub channel.
package alerting

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/pubsub"
	"github.com/fieldops/tracklink/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type StatusSource interface {
	DeviceStatuses(ctx context.Context) ([]state.DeviceStatus, error)
}

type alertKey struct {
	deviceID string
	kind     string
}

// Checker evaluates every device periodically and remembers which alerts are open,
// so each change is published once. Open alerts live in memory only: after a
// restart the ones still valid are raised again.
type Checker struct {
	src        StatusSource
	notifier   pubsub.Notifier
	thresholds Thresholds
	now        func() time.Time

	mu     sync.Mutex
	active map[alertKey]*pubsub.TrackerAlert

	activeGauge *prometheus.GaugeVec
}

func NewChecker(src StatusSource, notifier pubsub.Notifier, t Thresholds, addPrometheusMetrics bool) *Checker {
	c := &Checker{
		src:        src,
		notifier:   notifier,
		thresholds: t,
		now:        time.Now,
		active:     make(map[alertKey]*pubsub.TrackerAlert),
	}
	if addPrometheusMetrics {
		c.activeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tracklink",
			Subsystem: "alerting",
			Name:      "active",
			Help:      "Number of open device alerts",
		}, []string{"kind", "severity"})
		prometheus.MustRegister(c.activeGauge)
	}
	return c
}

func (c *Checker) Teardown() {
	if c.activeGauge != nil {
		prometheus.Unregister(c.activeGauge)
	}
}

// Run checks once immediately, then every Interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	defer internal.ReportPanicsToSentry()
	ticker := time.NewTicker(c.thresholds.Interval)
	defer ticker.Stop()
	for {
		if _, _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			logger.Err(err).Msg("alerting: check failed")
			internal.CaptureError(ctx, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check evaluates all devices once and publishes what changed since the previous
// check. It returns how many alerts were raised or updated and how many closed.
func (c *Checker) Check(ctx context.Context) (changed, closed int, err error) {
	statuses, err := c.src.DeviceStatuses(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[alertKey]bool, len(c.active))
	for _, st := range statuses {
		for _, p := range Evaluate(now, st, c.thresholds) {
			key := alertKey{st.DeviceID, p.Kind}
			seen[key] = true
			prev := c.active[key]
			if prev != nil && prev.Severity == p.Severity && prev.Message == p.Message {
				continue
			}
			alert := &pubsub.TrackerAlert{
				UserID:      st.UserID,
				DeviceID:    st.DeviceID,
				Kind:        p.Kind,
				Severity:    p.Severity,
				Message:     p.Message,
				Details:     p.Details,
				RaisedAtMs:  now.UnixMilli(),
				UpdatedAtMs: now.UnixMilli(),
			}
			if prev != nil {
				alert.RaisedAtMs = prev.RaisedAtMs
			}
			c.active[key] = alert
			c.publish(alert)
			changed++
		}
	}
	for key, alert := range c.active {
		if seen[key] {
			continue
		}
		delete(c.active, key)
		c.publish(&pubsub.TrackerAlertClosed{UserID: alert.UserID, DeviceID: alert.DeviceID, Kind: alert.Kind})
		closed++
	}
	c.updateGauge()
	if changed > 0 || closed > 0 {
		logger.Debug().Int("changed", changed).Int("closed", closed).Int("open", len(c.active)).Msg("alerting: alerts changed")
	}
	return changed, closed, nil
}

// Active returns the open alerts ordered by device then kind.
func (c *Checker) Active() []pubsub.TrackerAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pubsub.TrackerAlert, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (c *Checker) publish(p pubsub.Payload) {
	if err := c.notifier.Notify(pubsub.ChanTracking, p); err != nil {
		logger.Warn().Err(err).Str("type", p.Type()).Msg("alerting: failed to publish")
	}
}

// must hold c.mu
func (c *Checker) updateGauge() {
	if c.activeGauge == nil {
		return
	}
	c.activeGauge.Reset()
	for _, a := range c.active {
		c.activeGauge.WithLabelValues(a.Kind, a.Severity).Inc()
	}
}
