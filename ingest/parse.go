package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/state"
)

// MaxPointsPerRequest caps a points batch. Items beyond it are ignored, not rejected.
const MaxPointsPerRequest = 500

// Epoch values above this are milliseconds, below it seconds.
const epochMillisThreshold = 1e10

// number accepts JSON numbers and numeric strings.
func number(r gjson.Result) (float64, bool) {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Num
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// first returns the first of keys which is present and not null.
func first(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := obj.Get(k); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

// inRange returns a pointer to the value when it is a number within [lo, hi].
func inRange(r gjson.Result, lo, hi float64) *float64 {
	f, ok := number(r)
	if !ok || f < lo || f > hi {
		return nil
	}
	return &f
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds or an RFC 3339 string and
// returns unix milliseconds.
func ParseTimestamp(r gjson.Result) (int64, bool) {
	if f, ok := number(r); ok {
		if f <= 0 {
			return 0, false
		}
		if f > epochMillisThreshold {
			return int64(f), true
		}
		return int64(f * 1000), true
	}
	if r.Type != gjson.String {
		return 0, false
	}
	s := strings.TrimSpace(r.Str)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// ParsePoints validates device fixes. Invalid items are counted in rejected and
// never abort the batch.
func ParsePoints(arr gjson.Result, now time.Time, maxFuture time.Duration) (points []state.Point, rejected int) {
	if !arr.IsArray() {
		return nil, 0
	}
	latest := now.Add(maxFuture).UnixMilli()
	items := arr.Array()
	if len(items) > MaxPointsPerRequest {
		items = items[:MaxPointsPerRequest]
	}
	for _, it := range items {
		if !it.IsObject() {
			rejected++
			continue
		}
		lat, okLat := number(first(it, "lat", "latitude"))
		lon, okLon := number(first(it, "lon", "longitude"))
		if !okLat || !okLon || !internal.ValidCoordinates(lat, lon) {
			rejected++
			continue
		}
		ts, ok := ParseTimestamp(first(it, "ts", "timestamp", "time"))
		if !ok || ts > latest {
			rejected++
			continue
		}
		points = append(points, state.Point{
			TimestampMs: ts,
			Lat:         lat,
			Lon:         lon,
			AccuracyM:   inRange(first(it, "acc", "accuracy_m"), 0, 5000),
			SpeedMps:    inRange(first(it, "speed_mps", "speed", "spd"), 0, 200),
			BearingDeg:  inRange(first(it, "bearing_deg", "bearing", "heading"), 0, 360),
			Kind:        state.KindFix,
			Source:      state.SourceApp,
		})
	}
	return points, rejected
}

// SampleItems finds the samples in a fingerprint body. A bare sample object is
// accepted as a batch of one. ok is false when there is nothing list-shaped.
func SampleItems(body gjson.Result) (items []gjson.Result, ok bool) {
	samples := body.Get("samples")
	if !samples.Exists() || samples.Type == gjson.Null {
		for _, k := range []string{"wifi", "cell", "ts", "lat", "lon"} {
			if body.Get(k).Exists() {
				return []gjson.Result{body}, true
			}
		}
		return nil, false
	}
	if samples.IsObject() {
		return []gjson.Result{samples}, true
	}
	if !samples.IsArray() {
		return nil, false
	}
	items = samples.Array()
	if len(items) > fingerprint.MaxSamplesPerRequest {
		items = items[:fingerprint.MaxSamplesPerRequest]
	}
	return items, true
}

// ParseSample hashes identifiers and decides the purpose. It returns false for
// items which are not objects or carry no radio observations at all.
func ParseSample(it gjson.Result, deviceID string, now time.Time, p fingerprint.Params) (fingerprint.Sample, bool) {
	if !it.IsObject() {
		return fingerprint.Sample{}, false
	}
	s := fingerprint.Sample{
		DeviceID:  deviceID,
		Lat:       inRange(it.Get("lat"), -90, 90),
		Lon:       inRange(it.Get("lon"), -180, 180),
		AccuracyM: inRange(first(it, "accuracy_m", "acc"), 0, 5000),
		Mode:      truncate(it.Get("mode").String(), 16),
	}
	if s.Lat == nil || s.Lon == nil {
		s.Lat, s.Lon = nil, nil
	}
	s.TimestampMs = now.UnixMilli()
	if ts, ok := ParseTimestamp(it.Get("ts")); ok {
		s.TimestampMs = ts
	}
	it.Get("wifi").ForEach(func(_, w gjson.Result) bool {
		if !w.IsObject() {
			return true
		}
		bssid := first(w, "bssid", "bssid_hash").String()
		if strings.TrimSpace(bssid) == "" {
			return true
		}
		rssi, _ := number(w.Get("rssi"))
		freq, _ := number(first(w, "freq", "freq_mhz"))
		s.Wifi = append(s.Wifi, fingerprint.NewWifiObservation(bssid, first(w, "ssid", "ssid_hash").String(), int(rssi), int(freq)))
		return true
	})
	it.Get("cell").ForEach(func(_, c gjson.Result) bool {
		if !c.IsObject() {
			return true
		}
		obs := fingerprint.CellObservation{Type: strings.ToLower(truncate(c.Get("type").String(), 16))}
		if v, ok := number(c.Get("mcc")); ok {
			obs.MCC = int(v)
		}
		if v, ok := number(c.Get("mnc")); ok {
			obs.MNC = int(v)
		}
		if v, ok := number(first(c, "ci", "cell_id", "cid")); ok {
			obs.CellID = int64(v)
		}
		if v, ok := number(first(c, "tac", "lac", "area_code")); ok {
			obs.AreaCode = int(v)
		}
		if v, ok := number(first(c, "pci", "psc")); ok {
			n := int(v)
			obs.PCI = &n
		}
		if v, ok := number(c.Get("dbm")); ok {
			n := int(v)
			obs.DBM = &n
		}
		s.Cell = append(s.Cell, obs)
		return true
	})
	s.Trim()
	if len(s.Wifi) == 0 && len(s.Cell) == 0 {
		return fingerprint.Sample{}, false
	}
	s.Purpose = fingerprint.DerivePurpose(it.Get("purpose").String(), s.Lat, s.Lon, s.AccuracyM, p)
	return s, true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ParseHealth maps a heartbeat body onto the stored shape. Unknown keys are ignored;
// extra must be an object to be kept.
func ParseHealth(body gjson.Result, dev *state.Device, now time.Time) *state.Health {
	h := &state.Health{
		DeviceID:    dev.DeviceID,
		UserID:      dev.UserID,
		UpdatedAtMs: now.UnixMilli(),
		Extra:       []byte("{}"),
	}
	if v := inRange(body.Get("battery_pct"), 0, 100); v != nil {
		n := int(*v)
		h.BatteryPct = &n
	}
	h.IsCharging = boolPtr(body.Get("is_charging"))
	h.GPSOn = boolPtr(body.Get("gps_on"))
	h.TrackingOn = boolPtr(body.Get("tracking_on"))
	if v := inRange(body.Get("queue_size"), 0, math.MaxInt32); v != nil {
		n := int(*v)
		h.QueueSize = &n
	}
	h.NetType = strPtr(body.Get("net_type"), 32)
	h.LastError = strPtr(body.Get("last_error"), 512)
	h.AppVersion = strPtr(body.Get("app_version"), 64)
	if ts, ok := ParseTimestamp(body.Get("last_send_at")); ok {
		h.LastSendAtMs = &ts
	}
	if extra := body.Get("extra"); extra.IsObject() {
		h.Extra = []byte(extra.Raw)
	}
	return h
}

func boolPtr(r gjson.Result) *bool {
	switch r.Type {
	case gjson.True, gjson.False:
		b := r.Bool()
		return &b
	}
	return nil
}

func strPtr(r gjson.Result, max int) *string {
	if r.Type != gjson.String {
		return nil
	}
	s := truncate(r.Str, max)
	if s == "" {
		return nil
	}
	return &s
}
