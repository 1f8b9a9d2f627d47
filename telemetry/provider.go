// Package telemetry wires OpenTelemetry tracing for the relay daemon.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is used when neither the config nor OTEL_SERVICE_NAME
// names the service.
const DefaultServiceName = "awarenessd"

// OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// ErrNoEndpoint is returned when no OTLP endpoint is configured.
var ErrNoEndpoint = errors.New("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")

// ProviderConfig configures the OpenTelemetry provider.
type ProviderConfig struct {
	// ServiceName reported on every span.
	// Default: OTEL_SERVICE_NAME, then "awarenessd"
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Endpoint is the OTLP collector (e.g., "localhost:4317").
	// Default: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string

	// Protocol is "grpc" or "http".
	// Default: "grpc"
	Protocol string

	// Insecure disables TLS.
	Insecure bool

	// Debug records peer ids in frame spans.
	Debug bool

	// SampleRatio is the fraction of root spans kept. Spans with a sampled
	// parent are always kept.
	// Default: 1 (everything)
	SampleRatio float64

	// Headers are sent with every export request.
	Headers map[string]string

	// BatchTimeout is the maximum time to wait before sending a batch.
	BatchTimeout time.Duration

	// ExportTimeout is the timeout for exporting spans.
	ExportTimeout time.Duration
}

// resolve fills defaults from the environment and checks the result.
func (c ProviderConfig) resolve() (ProviderConfig, error) {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if c.Endpoint == "" {
		return c, ErrNoEndpoint
	}
	c.Endpoint = strings.TrimPrefix(c.Endpoint, "http://")
	c.Endpoint = strings.TrimPrefix(c.Endpoint, "https://")

	if c.ServiceName == "" {
		c.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}

	if c.Protocol == "" {
		c.Protocol = ProtocolGRPC
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return c, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", c.Protocol)
	}

	if c.SampleRatio == 0 {
		c.SampleRatio = 1
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return c, fmt.Errorf("sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return c, nil
}

// sampler keeps SampleRatio of root spans and follows the parent otherwise.
func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// newExporter creates the OTLP exporter for the configured protocol.
func newExporter(ctx context.Context, c ProviderConfig) (sdktrace.SpanExporter, error) {
	if c.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
		}
		if c.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(c.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}
	if c.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(c.ExportTimeout))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Provider owns the SDK tracer provider and the relay's Tracer.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider starts exporting spans and installs the provider globally:
// otel's tracer provider and propagators, and this package's GetTracer.
// The returned Provider must be shut down to flush pending spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFromProvider(tp, cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)

	return &Provider{tp: tp, tracer: tracer}, nil
}

// Tracer returns the tracer for this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// SetDebug enables or disables peer ids in frame spans.
func (p *Provider) SetDebug(debug bool) {
	p.tracer.SetDebug(debug)
}

// ForceFlush exports all pending spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// OnShutdown implements shutdown.ShutdownHandler.
func (p *Provider) OnShutdown(ctx context.Context) error {
	return p.Shutdown(ctx)
}
