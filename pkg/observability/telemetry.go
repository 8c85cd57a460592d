// Package observability wires OpenTelemetry tracing and metrics for the
// processing core. Without exporters every call is a no-op.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

// InstrumentationName names the tracer and meter of the processing core.
const InstrumentationName = "github.com/plaenen/eventcore"

// Config configures the observability stack.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives finished spans. Nil disables tracing.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRate is the sampled fraction, 0.0 to 1.0.
	TraceSampleRate float64

	// MetricReader collects metrics. Nil disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry holds the providers and the metric instruments.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown []func(context.Context) error
}

// Init sets up tracing and metrics. A failing exporter degrades to no-op
// instead of failing startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		Logger:         cfg.Logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName)
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(InstrumentationName))
		if err != nil {
			cfg.Logger.Warn("metrics setup failed, continuing without metrics", "error", err)
		} else {
			tel.MeterProvider = mp
			tel.Metrics = metrics
			tel.shutdown = append(tel.shutdown, mp.Shutdown)
			otel.SetMeterProvider(mp)
			cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
		}
	}
	if tel.MeterProvider == nil {
		tel.MeterProvider = sdkmetric.NewMeterProvider()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, shutdown := range t.shutdown {
		err = multierr.Append(err, shutdown(ctx))
	}
	return err
}

// Tracer returns the processing core's tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(InstrumentationName)
}

// Meter returns a meter for the given name.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
