package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/fieldops/tracklink/device/quality"
	"github.com/fieldops/tracklink/device/queue"
	"github.com/fieldops/tracklink/device/upload"
	"github.com/fieldops/tracklink/fingerprint"
)

type pointQueue interface {
	Enqueue(ctx context.Context, p queue.Point) (int64, int, error)
	SessionID(ctx context.Context) (int64, bool, error)
	ClearSessionID(ctx context.Context) error
}

type sessionStopper interface {
	StopSession(ctx context.Context, sessionID int64) error
}

// agent turns input events into queued points and serves as the coordinator's
// radio scanner and status provider.
type agent struct {
	filter  *quality.Filter
	queue   pointQueue
	stopper sessionStopper
	kick    func()

	mu     sync.Mutex
	scan   *upload.Scan
	status upload.DeviceStatus
}

func newAgent(filter *quality.Filter, q pointQueue, stopper sessionStopper) *agent {
	return &agent{
		filter:  filter,
		queue:   q,
		stopper: stopper,
		kick:    func() {},
	}
}

type wifiLine struct {
	BSSID   string `json:"bssid"`
	SSID    string `json:"ssid"`
	RSSI    int    `json:"rssi"`
	FreqMHz int    `json:"freq_mhz"`
}

type scanLine struct {
	Wifi []wifiLine                   `json:"wifi"`
	Cell []fingerprint.CellObservation `json:"cell"`
}

type statusLine struct {
	BatteryPct *int   `json:"battery_pct"`
	IsCharging *bool  `json:"is_charging"`
	GPSOn      *bool  `json:"gps_on"`
	NetType    string `json:"net_type"`
}

func (a *agent) handleLine(ctx context.Context, line []byte) error {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	if !gjson.ValidBytes(line) {
		return fmt.Errorf("invalid JSON")
	}
	switch typ := gjson.GetBytes(line, "type").Str; typ {
	case "fix":
		var fix quality.Fix
		if err := json.Unmarshal(line, &fix); err != nil {
			return fmt.Errorf("fix: %w", err)
		}
		return a.offer(ctx, fix)
	case "scan":
		var s scanLine
		if err := json.Unmarshal(line, &s); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		scan := upload.Scan{Cell: s.Cell}
		for _, w := range s.Wifi {
			scan.Wifi = append(scan.Wifi, upload.WifiReading{BSSID: w.BSSID, SSID: w.SSID, RSSI: w.RSSI, FreqMHz: w.FreqMHz})
		}
		a.mu.Lock()
		a.scan = &scan
		a.mu.Unlock()
	case "status":
		var s statusLine
		if err := json.Unmarshal(line, &s); err != nil {
			return fmt.Errorf("status: %w", err)
		}
		a.mu.Lock()
		a.status = upload.DeviceStatus{BatteryPct: s.BatteryPct, IsCharging: s.IsCharging, GPSOn: s.GPSOn, NetType: s.NetType}
		a.mu.Unlock()
	case "mode":
		m, err := quality.ParseMode(gjson.GetBytes(line, "mode").Str)
		if err != nil {
			return err
		}
		a.filter.SetMode(m)
		logger.Info().Str("mode", string(m)).Msg("tracking mode changed")
	case "online":
		a.kick()
	case "stop":
		return a.stop(ctx)
	default:
		return fmt.Errorf("unknown event type %q", typ)
	}
	return nil
}

func (a *agent) offer(ctx context.Context, fix quality.Fix) error {
	d := a.filter.Offer(fix)
	if !d.Accepted {
		logger.Trace().Str("reason", string(d.Reason)).Msg("fix rejected")
		return nil
	}
	sessionID, _, err := a.queue.SessionID(ctx)
	if err != nil {
		return err
	}
	acc := d.Point.AccuracyM
	_, _, err = a.queue.Enqueue(ctx, queue.Point{
		SessionID:   sessionID,
		TimestampMs: d.Point.TimestampMs,
		Lat:         d.Point.Lat,
		Lon:         d.Point.Lon,
		AccuracyM:   &acc,
		SpeedMps:    d.Point.SpeedMps,
		BearingDeg:  d.Point.BearingDeg,
	})
	return err
}

// stop ends the server-side session. Queued points stay queued and open a new
// session on the next upload.
func (a *agent) stop(ctx context.Context) error {
	sessionID, ok, err := a.queue.SessionID(ctx)
	if err != nil || !ok {
		return err
	}
	if err = a.stopper.StopSession(ctx, sessionID); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return a.queue.ClearSessionID(ctx)
}

// Scan hands the latest scan to the coordinator once.
func (a *agent) Scan(ctx context.Context) (upload.Scan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scan == nil {
		return upload.Scan{}, nil
	}
	s := *a.scan
	a.scan = nil
	return s, nil
}

func (a *agent) Status() upload.DeviceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}
