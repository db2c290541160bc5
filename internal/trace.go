package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "tracklink"

// Span pairs a runtime/trace region with an OTLP span so `go tool trace` and the
// collector see the same work.
type Span struct {
	region *trace.Region
	span   otrace.Span
}

func (s *Span) End() {
	s.region.End()
	s.span.End()
}

func (s *Span) SetAttributes(kv ...attribute.KeyValue) {
	s.span.SetAttributes(kv...)
}

// RecordError marks the span failed. nil is ignored.
func (s *Span) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	ctx, ospan := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Span{region: region, span: ospan}
}

// OTLPConfig points the exporter at a collector. URL must be scheme://host[:port]
// without a path; basic auth is sent when both User and Pass are set.
type OTLPConfig struct {
	URL     string
	User    string
	Pass    string
	Version string
}

// ConfigureOTLP installs a global tracer provider exporting over OTLP/HTTP. The
// returned func flushes buffered spans and must be called on shutdown.
func ConfigureOTLP(cfg OTLPConfig) (func(context.Context) error, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse OTLP URL: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("OTLP URL %s cannot contain a path", cfg.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("OTLP URL %s must be http or https", cfg.URL)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.User != "" && cfg.Pass != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Pass))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{"Authorization": "Basic " + creds}))
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("tracklink"),
			semconv.ServiceVersion(cfg.Version),
		)),
	)
	otel.SetTracerProvider(tp)
	// older app builds send uber-trace-id
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	logger.Info().Str("host", u.Host).Bool("insecure", u.Scheme == "http").Msg("exporting traces over OTLP")
	return tp.Shutdown, nil
}
