// Package otel wires OpenTelemetry tracing and metrics for the kernel.
// When disabled every tracer and meter is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
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
	// TracerName is the instrumentation scope of kernel traces.
	TracerName = "vaultclaw"
	// MeterName is the instrumentation scope of kernel metrics.
	MeterName = "vaultclaw"
	// Version is reported as service.version.
	Version = "v0.1-dev"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterFile     = "file"
	ExporterNone     = "none"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	// SampleRate is the fraction of root traces kept. Unset keeps all;
	// zero keeps none.
	SampleRate *float64 `yaml:"sample_rate"`
	// Path is the JSON span file for the file exporter.
	Path string `yaml:"path"`
}

// Validate rejects unknown exporters, a file exporter without a path and
// sample rates outside [0, 1].
func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterOTLPHTTP, ExporterStdout, ExporterNone:
	case ExporterFile:
		if c.Enabled && c.Path == "" {
			return errors.New("otel: file exporter needs a path")
		}
	default:
		return fmt.Errorf("otel: unknown exporter %q (supported: otlp-http, stdout, file, none)", c.Exporter)
	}
	if r := c.Rate(); r < 0 || r > 1 {
		return fmt.Errorf("otel: sample_rate %.2f outside [0, 1]", r)
	}
	return nil
}

// Rate returns the configured sample rate, 1 when unset.
func (c Config) Rate() float64 {
	if c.SampleRate == nil {
		return 1
	}
	return *c.SampleRate
}

// Provider holds the tracer and meter handed to components.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

// Init builds a Provider from cfg. Disabled configs yield no-op tracer and
// meter. The caller must Shutdown the provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "vaultclaw"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			attribute.String("vaultclaw.exporter", cfg.Exporter),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	exporter, err := p.createExporter(ctx, cfg)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Rate()))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	p.TracerProvider = tp
	p.MeterProvider = mp
	p.Tracer = tp.Tracer(TracerName)
	p.Meter = mp.Meter(MeterName)
	// Providers flush before the span file closes.
	p.shutdown = append([]func(context.Context) error{tp.Shutdown, mp.Shutdown}, p.shutdown...)
	return p, nil
}

// Shutdown flushes pending spans and releases exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func (p *Provider) createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		p.shutdown = append(p.shutdown, func(context.Context) error { return f.Close() })
		return stdouttrace.New(stdouttrace.WithWriter(f))
	case ExporterNone:
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
}

// discardExporter drops every span; spans are still created and sampled.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
