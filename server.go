// Package tracklink wires the server together: storage, the device API, the
// realtime hub and housekeeping.
package tracklink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldops/tracklink/alerting"
	"github.com/fieldops/tracklink/config"
	"github.com/fieldops/tracklink/ingest"
	"github.com/fieldops/tracklink/internal"
	"github.com/fieldops/tracklink/pubsub"
	"github.com/fieldops/tracklink/realtime"
	"github.com/fieldops/tracklink/state"
	"github.com/fieldops/tracklink/state/migrations"
)

// Version is stamped at build time with -ldflags "-X github.com/fieldops/tracklink.Version=...".
var Version = "dev"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-Device-Token, X-Request-ID, Content-Encoding")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Server is a wired but not yet listening tracklink server.
type Server struct {
	Handler http.Handler
	Storage *state.Storage

	ingest   *ingest.Handler
	notifier pubsub.Notifier
	sub      *pubsub.TrackingSub
	hub      *realtime.Hub
	janitor  *Janitor
	alerts   *alerting.Checker
	cancel   context.CancelFunc
}

// Setup migrates the database and wires every component. Call Teardown when done.
func Setup(cfg *config.ServerConfig) (*Server, error) {
	db, err := sqlx.Open("postgres", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxDBConns > 0 {
		db.SetMaxOpenConns(cfg.MaxDBConns)
		db.SetMaxIdleConns(cfg.MaxDBConns)
	}
	if err = migrations.Up(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	store := state.NewStorageWithDB(db, cfg.Prometheus)

	ps := pubsub.NewPubSub(cfg.PubSubBuffer)
	var notifier pubsub.Notifier = ps
	if cfg.Prometheus {
		notifier = pubsub.NewPromNotifier(ps, "ingest")
	}
	hub := realtime.NewHub(cfg.DashboardToken, cfg.RealtimeQueue, cfg.Prometheus)
	sub := pubsub.NewTrackingSub(ps, hub)
	go func() {
		defer internal.ReportPanicsToSentry()
		sub.Listen()
	}()

	h := ingest.NewHandler(store, notifier, cfg.Ingest, cfg.Prometheus)

	ctx, cancel := context.WithCancel(context.Background())
	janitor := NewJanitor(store, RetentionPeriods{
		Fingerprints: cfg.FingerprintRetention,
		Points:       cfg.PointsRetention,
		HealthLog:    cfg.HealthLogRetention,
	}, cfg.JanitorInterval)
	go janitor.Run(ctx)
	alerts := alerting.NewChecker(store, notifier, cfg.Alerts, cfg.Prometheus)
	go alerts.Run(ctx)

	r := mux.NewRouter()
	h.Register(r)
	r.Handle("/api/realtime/ws", hub).Methods(http.MethodGet)
	r.Handle("/healthz", healthz(db)).Methods(http.MethodGet)
	if cfg.Prometheus {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	var final http.Handler = r
	if cfg.OTLPURL != "" {
		final = otelhttp.NewHandler(r, "tracklink")
	}
	chain := []func(next http.Handler) http.Handler{
		hlog.NewHandler(logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Str("path", r.URL.Path).
				Msg("")
		}),
		hlog.RemoteAddrHandler("ip"),
		allowCORS,
	}
	if cfg.SentryDSN != "" {
		chain = append(chain, sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}

	return &Server{
		Handler:  &server{chain: chain, final: final},
		Storage:  store,
		ingest:   h,
		notifier: notifier,
		sub:      sub,
		hub:      hub,
		janitor:  janitor,
		alerts:   alerts,
		cancel:   cancel,
	}, nil
}

func (s *Server) Teardown() {
	s.cancel()
	s.alerts.Teardown()
	s.ingest.Teardown()
	s.sub.Teardown()
	s.notifier.Close()
	s.hub.Teardown()
	s.Storage.Teardown()
}

func healthz(db *sqlx.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(ctx); err != nil {
			hlog.FromRequest(req).Warn().Err(err).Msg("healthz: database unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"ok":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
}

// ConfigureLogging sets the global zerolog level. debug also enables trace output.
func ConfigureLogging(level string) {
	switch strings.ToLower(level) {
	case "trace", "debug":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// RunServer serves until ctx is cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, cfg *config.ServerConfig) error {
	ConfigureLogging(cfg.LogLevel)
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: Version,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		logger.Info().Msg("reporting errors to sentry")
	}
	if cfg.OTLPURL != "" {
		shutdown, err := internal.ConfigureOTLP(internal.OTLPConfig{
			URL:     cfg.OTLPURL,
			User:    cfg.OTLPUser,
			Pass:    cfg.OTLPPass,
			Version: Version,
		})
		if err != nil {
			return fmt.Errorf("configure OTLP: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush traces")
			}
		}()
	}

	srv, err := Setup(cfg)
	if err != nil {
		return err
	}
	defer srv.Teardown()

	httpSrv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("version", Version).Msgf("listening on %s", cfg.Bind)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// websockets are hijacked, Shutdown does not wait for them
	srv.hub.Close()
	return httpSrv.Shutdown(shutdownCtx)
}
