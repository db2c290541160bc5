// Package ingest serves the device API: sessions, points, heartbeats and radio
// fingerprints. Every response is wrapped in the same envelope.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/pubsub"
	"github.com/fieldops/tracklink/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Store is the persistence the endpoints need. *state.Storage implements it.
type Store interface {
	Authenticate(ctx context.Context, token string) (*state.Device, error)
	StartSession(ctx context.Context, dev *state.Device, lat, lon *float64) (*state.Session, int64, error)
	StopSession(ctx context.Context, dev *state.Device) (int64, error)
	InsertPoints(ctx context.Context, dev *state.Device, sessionID int64, points []state.Point) (*state.InsertResult, error)
	InsertEstimate(ctx context.Context, dev *state.Device, p state.Point) (*state.Point, error)
	StoreFingerprints(ctx context.Context, dev *state.Device, samples []fingerprint.Sample) error
	Anchors(ctx context.Context, deviceID string, p fingerprint.Params, now time.Time) ([]fingerprint.Anchor, error)
	RecordHealth(ctx context.Context, h *state.Health, logGap time.Duration) (*state.Health, error)
	AttachEstimate(ctx context.Context, dev *state.Device, est *fingerprint.Estimate) error
}

type Options struct {
	PointsPerMinute       int `yaml:"points_per_minute"`
	HealthPerMinute       int `yaml:"health_per_minute"`
	FingerprintsPerMinute int `yaml:"fingerprints_per_minute"`

	// At most one estimated point per session per interval.
	EstimateInterval time.Duration `yaml:"estimate_interval"`
	// Minimum gap between two rows of the health history.
	HealthLogInterval time.Duration `yaml:"health_log_interval"`
	// Points timestamped further than this in the future are rejected.
	MaxFutureSkew time.Duration `yaml:"max_future_skew"`
	// Limit on the decoded request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	MatchWorkers int   `yaml:"match_workers"`

	Fingerprint fingerprint.Params `yaml:"fingerprint"`
}

func DefaultOptions() Options {
	return Options{
		PointsPerMinute:       6000,
		HealthPerMinute:       120,
		FingerprintsPerMinute: 60,
		EstimateInterval:      30 * time.Second,
		HealthLogInterval:     30 * time.Second,
		MaxFutureSkew:         10 * time.Minute,
		MaxBodyBytes:          4 << 20,
		MatchWorkers:          8,
		Fingerprint:           fingerprint.DefaultParams(),
	}
}

type Handler struct {
	store    Store
	notifier pubsub.Notifier
	opts     Options
	limits   *limiter
	pool     *internal.WorkerPool
	now      func() time.Time

	// device id -> session id of the last injected estimate
	estimateMu   sync.Mutex
	lastEstimate *ttlcache.Cache[string, int64]

	pointsCounter      *prometheus.CounterVec
	samplesCounter     *prometheus.CounterVec
	localizeCounter    *prometheus.CounterVec
	rateLimitedCounter *prometheus.CounterVec
}

// NewHandler starts the matching pool. Call Teardown to stop it.
func NewHandler(store Store, notifier pubsub.Notifier, opts Options, addPrometheusMetrics bool) *Handler {
	if opts.MatchWorkers <= 0 {
		opts.MatchWorkers = 1
	}
	h := &Handler{
		store:    store,
		notifier: notifier,
		opts:     opts,
		limits: newLimiter(map[string]int{
			LimitPoints:       opts.PointsPerMinute,
			LimitHealth:       opts.HealthPerMinute,
			LimitFingerprints: opts.FingerprintsPerMinute,
		}),
		pool: internal.NewWorkerPool(opts.MatchWorkers),
		now:  time.Now,
		lastEstimate: ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](opts.EstimateInterval),
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
	}
	h.pool.Start()
	go h.lastEstimate.Start()
	if addPrometheusMetrics {
		h.addPrometheusMetrics()
	}
	return h
}

func (h *Handler) addPrometheusMetrics() {
	h.pointsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracklink",
		Subsystem: "ingest",
		Name:      "points",
		Help:      "Number of uploaded points by outcome",
	}, []string{"outcome"})
	h.samplesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracklink",
		Subsystem: "ingest",
		Name:      "fingerprint_samples",
		Help:      "Number of uploaded fingerprint samples by outcome",
	}, []string{"outcome"})
	h.localizeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracklink",
		Subsystem: "ingest",
		Name:      "localizations",
		Help:      "Number of fingerprint localizations by result",
	}, []string{"result"})
	h.rateLimitedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracklink",
		Subsystem: "ingest",
		Name:      "rate_limited",
		Help:      "Number of requests refused by the per-device rate limit",
	}, []string{"reason"})
	prometheus.MustRegister(h.pointsCounter, h.samplesCounter, h.localizeCounter, h.rateLimitedCounter)
}

func (h *Handler) Teardown() {
	h.pool.Stop()
	h.limits.stop()
	h.lastEstimate.Stop()
	if h.pointsCounter != nil {
		prometheus.Unregister(h.pointsCounter)
		prometheus.Unregister(h.samplesCounter)
		prometheus.Unregister(h.localizeCounter)
		prometheus.Unregister(h.rateLimitedCounter)
	}
}

func count(c *prometheus.CounterVec, label string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.WithLabelValues(label).Add(float64(n))
}

// Register mounts the device API on r.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/api/tracker/start", h.deviceRoute("start", "", h.startSession)).Methods(http.MethodPost)
	r.Handle("/api/tracker/stop", h.deviceRoute("stop", "", h.stopSession)).Methods(http.MethodPost)
	r.Handle("/api/tracker/points", h.deviceRoute("points", LimitPoints, h.submitPoints)).Methods(http.MethodPost)
	r.Handle("/api/tracker/health", h.deviceRoute("health", LimitHealth, h.submitHealth)).Methods(http.MethodPost)
	r.Handle("/api/tracker/fingerprints", h.deviceRoute("fingerprints", LimitFingerprints, h.submitFingerprints)).Methods(http.MethodPost)
}

// deviceFunc handles an authenticated request. The returned value must marshal to a
// JSON object; the envelope fields are added on top.
type deviceFunc func(ctx context.Context, dev *state.Device, body gjson.Result) (interface{}, error)

func (h *Handler) deviceRoute(name, bucket string, fn deviceFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req, rid := withRequestID(w, req)
		res, err := h.serveDevice(req, bucket, fn)
		if err != nil {
			h.writeError(w, req, rid, err)
			return
		}
		internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Debug()).Str("route", name).Msg("")
		writeOK(w, rid, res)
	})
}

func (h *Handler) serveDevice(req *http.Request, bucket string, fn deviceFunc) (interface{}, error) {
	ctx := req.Context()
	token := deviceToken(req)
	if token == "" {
		return nil, internal.NewHandlerError(http.StatusUnauthorized, internal.CodeMissingToken, errors.New("missing device token"))
	}
	dev, err := h.store.Authenticate(ctx, token)
	switch {
	case errors.Is(err, state.ErrUnknownToken):
		return nil, internal.NewHandlerError(http.StatusForbidden, internal.CodeInvalidToken, err)
	case errors.Is(err, state.ErrRevokedDevice):
		return nil, internal.NewHandlerError(http.StatusForbidden, internal.CodeRevokedToken, err)
	case err != nil:
		return nil, internal.NewHandlerError(http.StatusInternalServerError, internal.CodeDBError, fmt.Errorf("authenticate: %w", err))
	}
	internal.SetRequestContextDevice(ctx, dev.DeviceID, dev.UserID)

	if bucket != "" {
		if ok, wait := h.limits.allow(bucket, dev.DeviceID, h.now()); !ok {
			count(h.rateLimitedCounter, bucket, 1)
			return nil, internal.NewHandlerError(http.StatusTooManyRequests, internal.CodeRateLimited, errors.New("too many requests")).
				WithDetail("reason", bucket).
				WithDetail("limit", h.limits.perMinute[bucket]).
				WithDetail("window_sec", int(limitWindow.Seconds())).
				WithDetail("retry_after_sec", retryAfterSeconds(wait))
		}
	}

	body, err := readBody(req, h.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	return fn(ctx, dev, body)
}

func deviceToken(req *http.Request) string {
	if t := strings.TrimSpace(req.Header.Get("X-Device-Token")); t != "" {
		return t
	}
	auth := req.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// withRequestID reuses a sane incoming X-Request-ID or mints one, and threads it
// through the request context and logger.
func withRequestID(w http.ResponseWriter, req *http.Request) (*http.Request, string) {
	rid := req.Header.Get("X-Request-ID")
	if len(rid) == 0 || len(rid) > 64 || strings.ContainsAny(rid, " \t\r\n\"") {
		rid = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", rid)
	hlog.FromRequest(req).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("rid", rid)
	})
	return req.WithContext(internal.RequestContext(req.Context(), rid)), rid
}

func readBody(req *http.Request, max int64) (gjson.Result, error) {
	if req.Body == nil {
		return gjson.Parse("{}"), nil
	}
	defer req.Body.Close()
	var r io.Reader = req.Body
	if strings.EqualFold(strings.TrimSpace(req.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			return gjson.Result{}, internal.NewHandlerError(http.StatusBadRequest, internal.CodeBadRequest, fmt.Errorf("bad gzip body: %w", err))
		}
		defer zr.Close()
		r = zr
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return gjson.Result{}, internal.NewHandlerError(http.StatusBadRequest, internal.CodeBadRequest, fmt.Errorf("failed to read body: %w", err))
	}
	if int64(len(b)) > max {
		return gjson.Result{}, internal.NewHandlerError(http.StatusRequestEntityTooLarge, internal.CodeBadRequest, fmt.Errorf("body larger than %d bytes", max))
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return gjson.Parse("{}"), nil
	}
	if !gjson.ValidBytes(b) {
		return gjson.Result{}, internal.NewHandlerError(http.StatusBadRequest, internal.CodeBadRequest, errors.New("body is not valid JSON"))
	}
	body := gjson.ParseBytes(b)
	if !body.IsObject() {
		return gjson.Result{}, internal.NewHandlerError(http.StatusBadRequest, internal.CodeBadRequest, errors.New("body must be a JSON object"))
	}
	return body, nil
}

func serverTime() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func writeOK(w http.ResponseWriter, rid string, res interface{}) {
	b := []byte("{}")
	if res != nil {
		var err error
		if b, err = json.Marshal(res); err != nil {
			logger.Err(err).Str("rid", rid).Msg("failed to marshal response")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	b, _ = sjson.SetBytes(b, "ok", true)
	b, _ = sjson.SetBytes(b, "schema_version", internal.SchemaVersion)
	b, _ = sjson.SetBytes(b, "server_time", serverTime())
	b, _ = sjson.SetBytes(b, "request_id", rid)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, req *http.Request, rid string, err error) {
	var herr *internal.HandlerError
	var inactive *state.SessionInactiveError
	switch {
	case errors.As(err, &herr):
	case errors.As(err, &inactive):
		herr = internal.NewHandlerError(http.StatusConflict, internal.CodeSessionInactive,
			errors.New("session is not active, start a new one")).
			WithDetail("active_session_id", inactive.ActiveID)
	default:
		herr = internal.NewHandlerError(http.StatusInternalServerError, internal.CodeDBError, err)
	}
	level := zerolog.WarnLevel
	if herr.StatusCode >= 500 {
		level = zerolog.ErrorLevel
		internal.CaptureError(req.Context(), herr)
	}
	internal.DecorateLogger(req.Context(), hlog.FromRequest(req).WithLevel(level)).Err(herr).Msg("request failed")

	if secs, ok := herr.Details["retry_after_sec"].(int); ok {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	b := herr.JSON()
	b, _ = sjson.SetBytes(b, "server_time", serverTime())
	b, _ = sjson.SetBytes(b, "request_id", rid)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(b)
}

func (h *Handler) publish(p pubsub.Payload) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(pubsub.ChanTracking, p); err != nil {
		logger.Warn().Err(err).Str("payload", p.Type()).Msg("realtime payload not delivered")
	}
}
