// Package otel sets up tracing and metrics for floorwatch. Tracing goes to
// an OTLP or stdout exporter; metrics are served to Prometheus through the
// OpenTelemetry bridge. Whatever is disabled is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope of every tracer and meter.
	ScopeName = "github.com/basket/floorwatch"
	// Version is reported as a resource attribute.
	Version = "v0.3-dev"

	defaultOTLPEndpoint = "localhost:4318"
)

// Config is the telemetry section of config.yaml.
type Config struct {
	// Enabled turns on tracing.
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp-http, stdout or none.
	Exporter string `yaml:"exporter"`
	// Endpoint is host:port or a full URL for otlp-http.
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Prometheus exposes metrics for scraping even when tracing is off.
	Prometheus bool `yaml:"prometheus"`
}

// Provider holds the tracer and meter handed to the rest of the program.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// MetricsHandler serves the Prometheus registry. Nil unless
	// Config.Prometheus is set.
	MetricsHandler http.Handler

	closers []func(context.Context) error
}

// Init builds the providers described by cfg. Shutdown must be called on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
		MeterProvider: noop.NewMeterProvider(),
	}
	p.Meter = p.MeterProvider.Meter(ScopeName)
	if !cfg.Enabled && !cfg.Prometheus {
		return p, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled {
		if err := p.initTracing(ctx, cfg, res); err != nil {
			return nil, err
		}
	}
	if cfg.Prometheus {
		if err := p.initMetrics(res); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
	}
	return p, nil
}

func newResource(ctx context.Context, service string) (*resource.Resource, error) {
	if service == "" {
		service = "floorwatch"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.ServiceVersion(Version),
		attribute.String("floorwatch.component", "daemon"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func (p *Provider) initTracing(ctx context.Context, cfg Config, res *resource.Resource) error {
	exporter, err := newSpanExporter(ctx, cfg.Exporter, cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(ScopeName)
	p.closers = append(p.closers, tp.Shutdown)
	return nil
}

// initMetrics registers the OTel bridge and the Go runtime and process
// collectors on a private registry.
func (p *Provider) initMetrics(res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	p.MeterProvider = mp
	p.Meter = mp.Meter(ScopeName)
	p.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	p.closers = append(p.closers, mp.Shutdown)
	return nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i](ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, kind, endpoint string) (sdktrace.SpanExporter, error) {
	switch kind {
	case "", "otlp-http":
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		if strings.Contains(endpoint, "://") {
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", kind)
	}
}

// discardExporter keeps spans in-process only, for exporter=none.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
