package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/percy/internal/config"
)

// Instrumentation scope of every Percy span.
const tracerScope = "github.com/jkaninda/percy/dispatch"

const defaultServiceName = "percy"

// Resource attributes identifying the dispatch gateway in trace backends.
var (
	attrComponent = attribute.Key("percy.component")
	attrExporter  = attribute.Key("percy.trace.exporter")
)

// TracerSetup owns the TracerProvider for dispatch spans. It is injected
// where needed and never installed as the global provider.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	protocol string
}

// NewTracerSetup exports spans over OTLP gRPC (default) or HTTP. Returns nil
// when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig, version string) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "grpc"
	}

	res, err := dispatchResource(ctx, cfg.ServiceName, version, protocol)
	if err != nil {
		return nil, err
	}
	exporter, err := newSpanExporter(ctx, cfg, protocol)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP %s exporter: %w", protocol, err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	// Child spans follow the parent's sampling decision.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(tracerScope, trace.WithInstrumentationVersion(version)),
		protocol: protocol,
	}, nil
}

func dispatchResource(ctx context.Context, serviceName, version, protocol string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
			attrComponent.String("dispatch-gateway"),
			attrExporter.String(protocol),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace resource: %w", err)
	}
	return res, nil
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig, protocol string) (sdktrace.SpanExporter, error) {
	if protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the dispatch tracer. A nil setup yields a no-op tracer.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer(tracerScope)
	}
	return t.tracer
}

// Shutdown flushes pending spans and stops the provider. Nil-safe.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
