package alerting

import (
	"strings"
	"testing"
	"time"

	"github.com/fieldops/tracklink/state"
)

func ptr[T any](v T) *T { return &v }

func kinds(ps []Problem) map[string]string {
	out := make(map[string]string, len(ps))
	for _, p := range ps {
		out[p.Kind] = p.Severity
	}
	return out
}

func TestEvaluateHealthyDevice(t *testing.T) {
	now := time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)
	st := state.DeviceStatus{
		DeviceID: "DEV", BatteryPct: ptr(80), QueueSize: ptr(3), GPSOn: ptr(true), NetType: ptr("wifi"),
		HealthAtMs: ptr(now.Add(-time.Minute).UnixMilli()), LastPointMs: ptr(now.Add(-2 * time.Minute).UnixMilli()),
	}
	if ps := Evaluate(now, st, DefaultThresholds()); len(ps) != 0 {
		t.Fatalf("healthy device has problems %+v", ps)
	}
	t.Log("A device that never reported anything has nothing to judge.")
	if ps := Evaluate(now, state.DeviceStatus{DeviceID: "NEW"}, DefaultThresholds()); len(ps) != 0 {
		t.Fatalf("empty status has problems %+v", ps)
	}
}

func TestEvaluateThresholds(t *testing.T) {
	now := time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)
	th := DefaultThresholds()
	testCases := []struct {
		name string
		st   state.DeviceStatus
		want map[string]string
	}{
		{
			name: "points stale",
			st:   state.DeviceStatus{LastPointMs: ptr(now.Add(-6 * time.Minute).UnixMilli())},
			want: map[string]string{KindStalePoints: SeverityWarn},
		},
		{
			name: "points stale twice the limit",
			st:   state.DeviceStatus{LastPointMs: ptr(now.Add(-10 * time.Minute).UnixMilli())},
			want: map[string]string{KindStalePoints: SeverityCrit},
		},
		{
			name: "heartbeat stale",
			st:   state.DeviceStatus{HealthAtMs: ptr(now.Add(-4 * time.Minute).UnixMilli())},
			want: map[string]string{KindStaleHealth: SeverityWarn},
		},
		{
			name: "battery low",
			st:   state.DeviceStatus{BatteryPct: ptr(15)},
			want: map[string]string{KindBatteryLow: SeverityWarn},
		},
		{
			name: "battery critical",
			st:   state.DeviceStatus{BatteryPct: ptr(7)},
			want: map[string]string{KindBatteryLow: SeverityCrit},
		},
		{
			name: "battery low while charging",
			st:   state.DeviceStatus{BatteryPct: ptr(5), IsCharging: ptr(true)},
			want: map[string]string{},
		},
		{
			name: "queue below warn",
			st:   state.DeviceStatus{QueueSize: ptr(49)},
			want: map[string]string{},
		},
		{
			name: "queue growing",
			st:   state.DeviceStatus{QueueSize: ptr(50)},
			want: map[string]string{KindQueueGrowing: SeverityWarn},
		},
		{
			name: "queue critical",
			st:   state.DeviceStatus{QueueSize: ptr(150)},
			want: map[string]string{KindQueueGrowing: SeverityCrit},
		},
		{
			name: "gps and network off while tracking",
			st:   state.DeviceStatus{GPSOn: ptr(false), NetType: ptr(" None "), TrackingOn: ptr(true)},
			want: map[string]string{KindGPSOff: SeverityWarn, KindNetOffline: SeverityCrit},
		},
		{
			name: "auth error",
			st:   state.DeviceStatus{LastError: ptr("upload: 401 Unauthorized")},
			want: map[string]string{KindAppError: SeverityCrit},
		},
		{
			name: "blank error",
			st:   state.DeviceStatus{LastError: ptr("  ")},
			want: map[string]string{},
		},
	}
	for _, tc := range testCases {
		got := kinds(Evaluate(now, tc.st, th))
		if len(got) != len(tc.want) {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
			continue
		}
		for k, sev := range tc.want {
			if got[k] != sev {
				t.Errorf("%s: %s severity %q want %q", tc.name, k, got[k], sev)
			}
		}
	}
}

func TestEvaluateShortensErrors(t *testing.T) {
	long := strings.Repeat("ошибка ", 40)
	ps := Evaluate(time.Now(), state.DeviceStatus{LastError: ptr(long)}, DefaultThresholds())
	if len(ps) != 1 {
		t.Fatalf("problems %+v", ps)
	}
	msg := strings.TrimPrefix(ps[0].Message, "error: ")
	if n := len([]rune(msg)); n != maxErrorMessage+1 || !strings.HasSuffix(msg, "…") {
		t.Fatalf("message has %d runes: %q", n, msg)
	}
	if ps[0].Details["last_error"] != strings.TrimSpace(long) {
		t.Fatalf("details lost the full error")
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults invalid: %s", err)
	}
	th := DefaultThresholds()
	th.BatteryCritPct = 30
	th.QueueCrit = 10
	err := th.Validate()
	if err == nil || !strings.Contains(err.Error(), "battery_crit_pct") || !strings.Contains(err.Error(), "queue") {
		t.Fatalf("got %v", err)
	}
}
