package alerting

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fieldops/tracklink/state"
)

const (
	KindStalePoints  = "stale_points"
	KindStaleHealth  = "stale_health"
	KindBatteryLow   = "battery_low"
	KindQueueGrowing = "queue_growing"
	KindGPSOff       = "gps_off"
	KindNetOffline   = "net_offline"
	KindAppError     = "app_error"

	SeverityWarn = "warn"
	SeverityCrit = "crit"
)

// Thresholds decide when a device status becomes a problem.
type Thresholds struct {
	// StalePoints is how long a device may go without a stored point. Twice as long is critical.
	StalePoints time.Duration `yaml:"stale_points"`
	// StaleHealth is the same for heartbeats.
	StaleHealth    time.Duration `yaml:"stale_health"`
	BatteryLowPct  int           `yaml:"battery_low_pct"`
	BatteryCritPct int           `yaml:"battery_crit_pct"`
	QueueWarn      int           `yaml:"queue_warn"`
	QueueCrit      int           `yaml:"queue_crit"`
	// Interval is how often every device is checked.
	Interval time.Duration `yaml:"interval"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StalePoints:    5 * time.Minute,
		StaleHealth:    3 * time.Minute,
		BatteryLowPct:  15,
		BatteryCritPct: 7,
		QueueWarn:      50,
		QueueCrit:      150,
		Interval:       10 * time.Second,
	}
}

func (t Thresholds) Validate() error {
	var errs []error
	if t.StalePoints <= 0 || t.StaleHealth <= 0 {
		errs = append(errs, errors.New("stale_points and stale_health must be positive"))
	}
	if t.BatteryCritPct > t.BatteryLowPct {
		errs = append(errs, fmt.Errorf("battery_crit_pct %d is above battery_low_pct %d", t.BatteryCritPct, t.BatteryLowPct))
	}
	if t.QueueWarn <= 0 || t.QueueCrit < t.QueueWarn {
		errs = append(errs, fmt.Errorf("queue thresholds need 0 < queue_warn <= queue_crit, got %d and %d", t.QueueWarn, t.QueueCrit))
	}
	if t.Interval < time.Second {
		errs = append(errs, errors.New("interval must be at least 1s"))
	}
	return errors.Join(errs...)
}

// Problem is one thing wrong with a device right now.
type Problem struct {
	Kind     string
	Severity string
	Message  string
	Details  map[string]interface{}
}

const maxErrorMessage = 140

// Evaluate lists the problems st shows at now. It has no side effects.
func Evaluate(now time.Time, st state.DeviceStatus, t Thresholds) []Problem {
	var out []Problem
	if p, ok := staleness(KindStalePoints, "no points", now, st.LastPointMs, t.StalePoints); ok {
		out = append(out, p)
	}
	if p, ok := staleness(KindStaleHealth, "no heartbeat", now, st.HealthAtMs, t.StaleHealth); ok {
		out = append(out, p)
	}
	if st.BatteryPct != nil && !isTrue(st.IsCharging) && *st.BatteryPct <= t.BatteryLowPct {
		sev := SeverityWarn
		if *st.BatteryPct <= t.BatteryCritPct {
			sev = SeverityCrit
		}
		out = append(out, Problem{
			Kind: KindBatteryLow, Severity: sev,
			Message: fmt.Sprintf("battery %d%%", *st.BatteryPct),
			Details: map[string]interface{}{"battery_pct": *st.BatteryPct},
		})
	}
	if st.QueueSize != nil && *st.QueueSize >= t.QueueWarn {
		sev := SeverityWarn
		if *st.QueueSize >= t.QueueCrit {
			sev = SeverityCrit
		}
		out = append(out, Problem{
			Kind: KindQueueGrowing, Severity: sev,
			Message: fmt.Sprintf("queue %d", *st.QueueSize),
			Details: map[string]interface{}{"queue_size": *st.QueueSize},
		})
	}
	if st.GPSOn != nil && !*st.GPSOn {
		out = append(out, Problem{
			Kind: KindGPSOff, Severity: SeverityWarn,
			Message: "GPS off",
			Details: map[string]interface{}{"gps_on": false},
		})
	}
	if st.NetType != nil {
		net := strings.ToLower(strings.TrimSpace(*st.NetType))
		if net == "none" || net == "offline" {
			// offline while tracking means points pile up on the device
			sev := SeverityWarn
			if isTrue(st.TrackingOn) {
				sev = SeverityCrit
			}
			out = append(out, Problem{
				Kind: KindNetOffline, Severity: sev,
				Message: "network " + net,
				Details: map[string]interface{}{"net": net, "tracking_on": isTrue(st.TrackingOn)},
			})
		}
	}
	if st.LastError != nil {
		if msg := strings.TrimSpace(*st.LastError); msg != "" {
			low := strings.ToLower(msg)
			sev := SeverityWarn
			if strings.Contains(low, "401") || strings.Contains(low, "403") || strings.Contains(low, "unauthor") {
				sev = SeverityCrit
			}
			out = append(out, Problem{
				Kind: KindAppError, Severity: sev,
				Message: "error: " + shorten(msg, maxErrorMessage),
				Details: map[string]interface{}{"last_error": msg},
			})
		}
	}
	return out
}

func staleness(kind, what string, now time.Time, lastMs *int64, limit time.Duration) (Problem, bool) {
	if lastMs == nil {
		return Problem{}, false
	}
	age := now.Sub(time.UnixMilli(*lastMs))
	if age <= limit {
		return Problem{}, false
	}
	sev := SeverityWarn
	if age >= 2*limit {
		sev = SeverityCrit
	}
	return Problem{
		Kind:     kind,
		Severity: sev,
		// minutes only, so the message does not change on every check
		Message: fmt.Sprintf("%s for %d min", what, int(age/time.Minute)),
		Details: map[string]interface{}{"last_ts": *lastMs},
	}, true
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

func shorten(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
