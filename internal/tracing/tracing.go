// Package tracing configures OpenTelemetry tracing for ops-core.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans created by ops-core.
const InstrumentationName = "github.com/opspawn/ops-core"

// Config holds tracing configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317")
	OTLPEndpoint string

	Enabled bool

	// SampleRate is the sampling rate (0.0 to 1.0)
	SampleRate float64
}

// Provider owns the tracer provider installed by Init.
type Provider struct {
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// Init installs a global tracer provider and the W3C propagators. When tracing
// is disabled only the propagators are installed, so trace context still flows
// through dispatch headers.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{logger: logger}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
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
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return &Provider{provider: tp, logger: logger}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	p.logger.Info("shutting down tracer provider")
	return p.provider.Shutdown(ctx)
}

// Tracer returns the ops-core tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
