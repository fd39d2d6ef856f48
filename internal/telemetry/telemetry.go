// Package telemetry sets up OpenTelemetry tracing for the auth service.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/smallbiznis/bookstore-auth/internal/config"
)

const exporterTimeout = 10 * time.Second

// Provider owns the process tracer provider. A disabled Provider hands out
// noop tracers.
type Provider struct {
	tracers  trace.TracerProvider
	shutdown func(ctx context.Context) error
}

// TracerProvider returns the provider services create their tracers from.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil || p.tracers == nil {
		return noop.NewTracerProvider()
	}
	return p.tracers
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.shutdown != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.shutdown(ctx)
}

// New builds the tracer provider from cfg and installs it globally together
// with the W3C propagators. An empty endpoint disables export.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.TelemetryEndpoint == "" {
		tracers := noop.NewTracerProvider()
		install(tracers, propagation.TraceContext{})
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT is empty")
		return &Provider{tracers: tracers}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := serviceResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TelemetrySampleRatio))),
	)
	install(tp, propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("tracing enabled",
		zap.String("endpoint", cfg.TelemetryEndpoint),
		zap.Float64("sample_ratio", cfg.TelemetrySampleRatio),
	)
	return &Provider{tracers: tp, shutdown: tp.Shutdown}, nil
}

func newExporter(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.TelemetryEndpoint)}
	if cfg.TelemetryInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(ctx, exporterTimeout)
	defer cancel()

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return exporter, nil
}

func serviceResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

func install(tp trace.TracerProvider, propagator propagation.TextMapPropagator) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
}
