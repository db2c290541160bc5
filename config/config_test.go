package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldops/tracklink/device/quality"
)

func TestDefaultsAreValidOnceSecretsAreSet(t *testing.T) {
	cfg := Default()
	cfg.Server.DB = "postgres://localhost/tracklink"
	cfg.Server.DashboardToken = "dash"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("server defaults invalid: %s", err)
	}
	cfg.Device.ServerURL = "https://tracklink.example.com"
	cfg.Device.Token = "tok"
	if err := cfg.ValidateDevice(); err != nil {
		t.Errorf("device defaults invalid: %s", err)
	}

	t.Log("Without them validation names every missing field.")
	err := Default().ValidateServer()
	if err == nil || !strings.Contains(err.Error(), "server.db") || !strings.Contains(err.Error(), "dashboard_token") {
		t.Errorf("got %v", err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracklink.yaml")
	err := os.WriteFile(path, []byte(`
server:
  bind: 127.0.0.1:9000
  db: postgres://file/tracklink
  ingest:
    points_per_minute: 100
    estimate_interval: 45s
    fingerprint:
      min_score: 0.6
device:
  queue_capacity: 50
  quality:
    mode: PRECISE
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRACKLINK_DB", "postgres://env/tracklink")
	t.Setenv("TRACKLINK_DASHBOARD_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9000" {
		t.Errorf("bind=%s", cfg.Server.Bind)
	}
	if cfg.Server.DB != "postgres://env/tracklink" || cfg.Server.DashboardToken != "from-env" {
		t.Errorf("env overrides not applied: %+v", cfg.Server)
	}
	in := cfg.Server.Ingest
	if in.PointsPerMinute != 100 || in.EstimateInterval != 45*time.Second || in.HealthPerMinute != 120 {
		t.Errorf("ingest options wrong: %+v", in)
	}
	if in.Fingerprint.MinScore != 0.6 || in.Fingerprint.MinMatches != 3 {
		t.Errorf("fingerprint params wrong: %+v", in.Fingerprint)
	}
	if cfg.Device.QueueCapacity != 50 || cfg.Device.Quality.Mode != quality.ModePrecise {
		t.Errorf("device section wrong: %+v", cfg.Device)
	}
	if cfg.Device.Quality.ForceAcceptAfter != 45*time.Second {
		t.Errorf("unset quality fields lost their defaults: %+v", cfg.Device.Quality)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	if err := cfg.Parse([]byte("server:\n  bnid: typo\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if err := cfg.Parse(nil); err != nil {
		t.Fatalf("empty file rejected: %s", err)
	}
}

func TestValidateDevice(t *testing.T) {
	cfg := Default()
	cfg.Device.ServerURL = "ftp://nope"
	cfg.Device.Token = "tok"
	cfg.Device.Quality.Mode = "TURBO"
	cfg.Device.Upload.BatchSize = 900
	err := cfg.ValidateDevice()
	if err == nil {
		t.Fatalf("invalid device config accepted")
	}
	for _, want := range []string{"server_url", "quality.mode", "batch_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDeviceLogLevelIsSeparate(t *testing.T) {
	cfg := Default()
	if err := cfg.Parse([]byte("server:\n  log_level: error\ndevice:\n  log_level: debug\n")); err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if cfg.Server.LogLevel != "error" || cfg.Device.LogLevel != "debug" {
		t.Fatalf("levels server=%q device=%q", cfg.Server.LogLevel, cfg.Device.LogLevel)
	}

	t.Log("TRACKLINK_LOG_LEVEL only moves the server")
	env := map[string]string{"TRACKLINK_LOG_LEVEL": "warn", "TRACKLINK_AGENT_LOG_LEVEL": "trace"}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Server.LogLevel != "warn" || cfg.Device.LogLevel != "trace" {
		t.Fatalf("after env server=%q device=%q", cfg.Server.LogLevel, cfg.Device.LogLevel)
	}

	cfg.Device.ServerURL = "https://tracklink.example"
	cfg.Device.Token = "tok"
	cfg.Device.LogLevel = "loud"
	err := cfg.ValidateDevice()
	if err == nil || !strings.Contains(err.Error(), "device.log_level") {
		t.Fatalf("ValidateDevice = %v, want device.log_level error", err)
	}
}

func TestRetentionAndAlertSettings(t *testing.T) {
	cfg := Default()
	cfg.Server.DB = "postgres://localhost/tracklink"
	cfg.Server.DashboardToken = "dash"
	if cfg.Server.PointsRetention != 90*24*time.Hour || cfg.Server.HealthLogRetention != 30*24*time.Hour {
		t.Fatalf("retention defaults %v %v", cfg.Server.PointsRetention, cfg.Server.HealthLogRetention)
	}
	err := cfg.Parse([]byte(`
server:
  points_retention: 0s
  alerts:
    stale_points: 10m
    queue_warn: 80
`))
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	a := cfg.Server.Alerts
	if a.StalePoints != 10*time.Minute || a.QueueWarn != 80 || a.QueueCrit != 150 || a.BatteryLowPct != 15 {
		t.Fatalf("alerts %+v", a)
	}
	t.Log("Zero retention keeps points forever and is valid.")
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("ValidateServer: %s", err)
	}
	cfg.Server.HealthLogRetention = -time.Hour
	cfg.Server.Alerts.QueueCrit = 10
	err = cfg.ValidateServer()
	if err == nil || !strings.Contains(err.Error(), "retention") || !strings.Contains(err.Error(), "server.alerts") {
		t.Fatalf("got %v", err)
	}
}
