// Package config loads tracklink configuration.
//
// Configuration comes from a single YAML file named by the --config flag or the
// TRACKLINK_CONFIG environment variable. Defaults fill anything the file leaves out.
// A handful of deployment secrets and addresses may also be supplied through
// TRACKLINK_* environment variables, which win over the file so that credentials
// need not be written to disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldops/tracklink/alerting"
	"github.com/fieldops/tracklink/device/quality"
	"github.com/fieldops/tracklink/device/queue"
	"github.com/fieldops/tracklink/device/upload"
	"github.com/fieldops/tracklink/ingest"
	"github.com/fieldops/tracklink/realtime"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "TRACKLINK_CONFIG"

// Config is the whole configuration. The server and the device agent each read
// their own section.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Device DeviceConfig `yaml:"device"`
}

type ServerConfig struct {
	// Bind is the HTTP listen address.
	Bind string `yaml:"bind"`
	// DB is the Postgres connection string.
	DB string `yaml:"db"`
	// MaxDBConns caps open Postgres connections; 0 leaves it unlimited.
	MaxDBConns int `yaml:"max_db_conns"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	SentryDSN string `yaml:"sentry_dsn"`
	OTLPURL   string `yaml:"otlp_url"`
	OTLPUser  string `yaml:"otlp_user"`
	OTLPPass  string `yaml:"otlp_pass"`
	// Prometheus exposes /metrics when set.
	Prometheus bool `yaml:"prometheus"`

	// DashboardToken gates the realtime websocket.
	DashboardToken string `yaml:"dashboard_token"`
	// RealtimeQueue is the per-connection send queue.
	RealtimeQueue int `yaml:"realtime_queue"`
	// PubSubBuffer is how many payloads may wait for the realtime hub.
	PubSubBuffer int `yaml:"pubsub_buffer"`

	// Retention periods; 0 keeps rows forever.
	FingerprintRetention time.Duration `yaml:"fingerprint_retention"`
	PointsRetention      time.Duration `yaml:"points_retention"`
	HealthLogRetention   time.Duration `yaml:"health_log_retention"`
	JanitorInterval      time.Duration `yaml:"janitor_interval"`

	Alerts alerting.Thresholds `yaml:"alerts"`

	Ingest ingest.Options `yaml:"ingest"`
}

type DeviceConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// QueuePath is the SQLite file holding undelivered points.
	QueuePath     string        `yaml:"queue_path"`
	QueueCapacity int           `yaml:"queue_capacity"`
	// UploadInterval is how often the agent drains the queue when nothing kicks it.
	UploadInterval time.Duration `yaml:"upload_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Quality quality.Config `yaml:"quality"`
	Upload  upload.Config  `yaml:"upload"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:                 "0.0.0.0:8008",
			LogLevel:             "info",
			Prometheus:           true,
			RealtimeQueue:        realtime.DefaultQueueSize,
			PubSubBuffer:         4096,
			FingerprintRetention: 30 * 24 * time.Hour,
			PointsRetention:      90 * 24 * time.Hour,
			HealthLogRetention:   30 * 24 * time.Hour,
			JanitorInterval:      time.Hour,
			Alerts:               alerting.DefaultThresholds(),
			Ingest:               ingest.DefaultOptions(),
		},
		Device: DeviceConfig{
			LogLevel:       "info",
			QueuePath:      "tracklink-queue.db",
			QueueCapacity:  queue.DefaultCapacity,
			UploadInterval: 30 * time.Second,
			RequestTimeout: 10 * time.Second,
			Quality:        quality.DefaultConfig(),
			Upload:         upload.DefaultConfig(),
		},
	}
}

// Load reads path on top of Default and applies environment overrides. An empty
// path falls back to TRACKLINK_CONFIG; when that is empty too only defaults and
// the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse merges YAML into c. Unknown keys are an error so typos do not go unnoticed.
func (c *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides deployment settings from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for name, dst := range map[string]*string{
		"TRACKLINK_DB":              &c.Server.DB,
		"TRACKLINK_BIND":            &c.Server.Bind,
		"TRACKLINK_SENTRY_DSN":      &c.Server.SentryDSN,
		"TRACKLINK_OTLP_URL":        &c.Server.OTLPURL,
		"TRACKLINK_OTLP_USER":       &c.Server.OTLPUser,
		"TRACKLINK_OTLP_PASS":       &c.Server.OTLPPass,
		"TRACKLINK_DASHBOARD_TOKEN": &c.Server.DashboardToken,
		"TRACKLINK_LOG_LEVEL":       &c.Server.LogLevel,
		"TRACKLINK_SERVER_URL":      &c.Device.ServerURL,
		"TRACKLINK_DEVICE_TOKEN":    &c.Device.Token,
		"TRACKLINK_QUEUE_PATH":      &c.Device.QueuePath,
		"TRACKLINK_AGENT_LOG_LEVEL": &c.Device.LogLevel,
	} {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
}

// ValidateServer checks what `tracklink serve` needs.
func (c *Config) ValidateServer() error {
	var errs []error
	s := &c.Server
	if s.Bind == "" {
		errs = append(errs, errors.New("server.bind is required"))
	}
	if s.DB == "" {
		errs = append(errs, errors.New("server.db is required (or set TRACKLINK_DB)"))
	}
	if s.DashboardToken == "" {
		errs = append(errs, errors.New("server.dashboard_token is required (or set TRACKLINK_DASHBOARD_TOKEN)"))
	}
	if !knownLogLevel(s.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", s.LogLevel))
	}
	if s.PubSubBuffer <= 0 {
		errs = append(errs, errors.New("server.pubsub_buffer must be positive"))
	}
	if s.RealtimeQueue <= 0 {
		errs = append(errs, errors.New("server.realtime_queue must be positive"))
	}
	if s.JanitorInterval <= 0 {
		errs = append(errs, errors.New("server.janitor_interval must be positive"))
	}
	if s.FingerprintRetention < 0 || s.PointsRetention < 0 || s.HealthLogRetention < 0 {
		errs = append(errs, errors.New("server retention periods must not be negative"))
	}
	if err := s.Alerts.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.alerts: %w", err))
	}
	o := &s.Ingest
	if o.PointsPerMinute < 0 || o.HealthPerMinute < 0 || o.FingerprintsPerMinute < 0 {
		errs = append(errs, errors.New("server.ingest: rate limits must not be negative"))
	}
	if o.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.ingest.max_body_bytes must be positive"))
	}
	if o.MatchWorkers <= 0 {
		errs = append(errs, errors.New("server.ingest.match_workers must be positive"))
	}
	if err := o.Fingerprint.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.ingest.fingerprint: %w", err))
	}
	return errors.Join(errs...)
}

// ValidateDevice checks what `tracklink-agent` needs.
func (c *Config) ValidateDevice() error {
	var errs []error
	d := &c.Device
	if u, err := url.Parse(d.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("device.server_url %q must be an http(s) URL", d.ServerURL))
	}
	if d.Token == "" {
		errs = append(errs, errors.New("device.token is required (or set TRACKLINK_DEVICE_TOKEN)"))
	}
	if !knownLogLevel(d.LogLevel) {
		errs = append(errs, fmt.Errorf("device.log_level: unknown level %q", d.LogLevel))
	}
	if d.QueuePath == "" {
		errs = append(errs, errors.New("device.queue_path is required"))
	}
	if d.QueueCapacity <= 0 {
		errs = append(errs, errors.New("device.queue_capacity must be positive"))
	}
	if d.UploadInterval <= 0 || d.RequestTimeout <= 0 {
		errs = append(errs, errors.New("device.upload_interval and device.request_timeout must be positive"))
	}
	if _, err := quality.ParseMode(string(d.Quality.Mode)); err != nil {
		errs = append(errs, fmt.Errorf("device.quality.mode: %w", err))
	}
	if d.Upload.BatchSize <= 0 || d.Upload.BatchSize > upload.MaxBatchSize {
		errs = append(errs, fmt.Errorf("device.upload.batch_size must be within 1..%d", upload.MaxBatchSize))
	}
	return errors.Join(errs...)
}

func knownLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}
