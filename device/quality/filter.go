// Package quality decides which raw location fixes are good enough to queue.
package quality

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/tracklink/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Mode string

const (
	ModeEco     Mode = "ECO"
	ModeNormal  Mode = "NORMAL"
	ModePrecise Mode = "PRECISE"
	ModeAuto    Mode = "AUTO"
)

// CeilingM is the worst accuracy accepted without forcing.
func (m Mode) CeilingM() float64 {
	switch m {
	case ModeEco:
		return 150
	case ModePrecise:
		return 30
	case ModeAuto:
		return 60
	default:
		return 80
	}
}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeEco, ModeNormal, ModePrecise, ModeAuto:
		return m, nil
	case "":
		return ModeNormal, nil
	}
	return "", fmt.Errorf("unknown tracking mode %q", s)
}

type Reason string

const (
	ReasonInvalid    Reason = "invalid"
	ReasonStale      Reason = "stale"
	ReasonInaccurate Reason = "inaccurate"
	ReasonJump       Reason = "jump"
)

// Fix is a raw reading from the location provider. After filtering the same type
// carries the smoothed coordinates.
type Fix struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	AccuracyM   float64  `json:"accuracy_m"`
	TimestampMs int64    `json:"ts"`
	SpeedMps    *float64 `json:"speed_mps,omitempty"`
	BearingDeg  *float64 `json:"bearing_deg,omitempty"`
}

type Decision struct {
	Accepted bool
	Forced   bool
	Reason   Reason
	// Point is the smoothed fix when Accepted.
	Point Fix
}

type Config struct {
	Mode                    Mode          `yaml:"mode"`
	ForceAcceptAfter        time.Duration `yaml:"force_accept_after"`
	ForceAcceptMaxAccuracyM float64       `yaml:"force_accept_max_accuracy_m"`
	ForceAcceptCooldown     time.Duration `yaml:"force_accept_cooldown"`
	MaxSpeedMps             float64       `yaml:"max_speed_mps"`
	SmoothingAlpha          float64       `yaml:"smoothing_alpha"`
	SmoothingResetGap       time.Duration `yaml:"smoothing_reset_gap"`
}

func DefaultConfig() Config {
	return Config{
		Mode:                    ModeNormal,
		ForceAcceptAfter:        45 * time.Second,
		ForceAcceptMaxAccuracyM: 900,
		ForceAcceptCooldown:     30 * time.Second,
		MaxSpeedMps:             80,
		SmoothingAlpha:          0.5,
		SmoothingResetGap:       60 * time.Second,
	}
}

type Stats struct {
	Accepted   int
	Forced     int
	Rejects    map[Reason]int
	LastReason Reason
}

// Filter is safe for concurrent use, though fixes are expected from one provider.
// All timing is measured on fix timestamps, not the wall clock.
type Filter struct {
	mu  sync.Mutex
	cfg Config

	firstSeenMs  int64
	seenAny      bool
	last         *Fix // raw, last accepted
	lastForcedMs int64
	forcedAny    bool
	smoothLat    float64
	smoothLon    float64

	stats Stats
}

func NewFilter(cfg Config) *Filter {
	return &Filter{
		cfg:   cfg,
		stats: Stats{Rejects: make(map[Reason]int)},
	}
}

func (f *Filter) SetMode(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Mode = m
}

// Offer runs fix through the policy.
func (f *Filter) Offer(fix Fix) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !internal.ValidCoordinates(fix.Lat, fix.Lon) || math.IsNaN(fix.AccuracyM) || fix.AccuracyM < 0 || fix.TimestampMs <= 0 {
		return f.reject(fix, ReasonInvalid)
	}
	if !f.seenAny {
		f.seenAny = true
		f.firstSeenMs = fix.TimestampMs
	}
	if f.last != nil && fix.TimestampMs <= f.last.TimestampMs {
		return f.reject(fix, ReasonStale)
	}

	forced := false
	if fix.AccuracyM > f.cfg.Mode.CeilingM() {
		if !f.canForce(fix) {
			return f.reject(fix, ReasonInaccurate)
		}
		forced = true
	}

	// forced and late fixes are speed checked too
	if f.last != nil {
		v := internal.ImpliedSpeed(f.last.Lat, f.last.Lon, f.last.TimestampMs, fix.Lat, fix.Lon, fix.TimestampMs)
		if v > f.cfg.MaxSpeedMps {
			return f.reject(fix, ReasonJump)
		}
	}

	return f.accept(fix, forced)
}

func (f *Filter) canForce(fix Fix) bool {
	if fix.AccuracyM > f.cfg.ForceAcceptMaxAccuracyM {
		return false
	}
	ref := f.firstSeenMs
	if f.last != nil {
		ref = f.last.TimestampMs
	}
	if time.Duration(fix.TimestampMs-ref)*time.Millisecond < f.cfg.ForceAcceptAfter {
		return false
	}
	if f.forcedAny && time.Duration(fix.TimestampMs-f.lastForcedMs)*time.Millisecond < f.cfg.ForceAcceptCooldown {
		return false
	}
	return true
}

func (f *Filter) accept(fix Fix, forced bool) Decision {
	out := fix
	resume := f.last != nil && !forced &&
		time.Duration(fix.TimestampMs-f.last.TimestampMs)*time.Millisecond <= f.cfg.SmoothingResetGap
	if resume {
		a := f.cfg.SmoothingAlpha
		out.Lat = a*fix.Lat + (1-a)*f.smoothLat
		out.Lon = a*fix.Lon + (1-a)*f.smoothLon
	}
	f.smoothLat, f.smoothLon = out.Lat, out.Lon

	raw := fix
	f.last = &raw
	f.stats.Accepted++
	if forced {
		f.forcedAny = true
		f.lastForcedMs = fix.TimestampMs
		f.stats.Forced++
		logger.Debug().Float64("acc", fix.AccuracyM).Int64("ts", fix.TimestampMs).Msg("force-accepted fix after starvation")
	}
	return Decision{Accepted: true, Forced: forced, Point: out}
}

func (f *Filter) reject(fix Fix, reason Reason) Decision {
	f.stats.Rejects[reason]++
	f.stats.LastReason = reason
	logger.Trace().Str("reason", string(reason)).Float64("acc", fix.AccuracyM).Int64("ts", fix.TimestampMs).Msg("rejected fix")
	return Decision{Reason: reason}
}

// LastAccepted returns the raw timestamp and accuracy of the newest accepted fix.
func (f *Filter) LastAccepted() (fix Fix, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Fix{}, false
	}
	return *f.last, true
}

func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Rejects = make(map[Reason]int, len(f.stats.Rejects))
	for k, v := range f.stats.Rejects {
		s.Rejects[k] = v
	}
	return s
}
