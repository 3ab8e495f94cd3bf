// Package observability provides the abort event pipeline and the
// OpenTelemetry tracing and metrics setup of the ledger.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the ledger's telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// SpanExporter receives finished command and verification spans, for
	// example a SpanStore. Nil disables tracing.
	SpanExporter sdktrace.SpanExporter

	// SampleRate is the fraction of root spans kept, 0 to 1.
	SampleRate float64

	// MetricReader collects the ledger instruments. Nil keeps the
	// instruments but exports nothing.
	MetricReader sdkmetric.Reader

	// Observers receive abort events after the log and metrics observers.
	Observers []Observer

	Logger *slog.Logger
}

// Telemetry is what the engine reports through: a tracer, the ledger
// instruments and an abort pipeline already wired to both.
type Telemetry struct {
	Tracer   trace.Tracer
	Metrics  *Metrics
	Pipeline *Pipeline

	logger  *slog.Logger
	closers []func(context.Context) error
}

// Init builds the ledger's telemetry. Missing backends degrade to no-ops;
// only instrument creation can fail.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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

	t := &Telemetry{logger: logger}

	if cfg.SpanExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.SpanExporter),
			sdktrace.WithSampler(sampler(cfg.SampleRate)),
		)
		otel.SetTracerProvider(tp)
		t.Tracer = tp.Tracer(TracerName)
		t.closers = append(t.closers, tp.Shutdown)
	} else {
		t.Tracer = noop.NewTracerProvider().Tracer(TracerName)
	}

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		metricOpts = append(metricOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	if cfg.MetricReader != nil {
		otel.SetMeterProvider(mp)
	}
	if t.Metrics, err = NewMetrics(mp.Meter(MeterName)); err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	t.closers = append(t.closers, mp.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	observers := append([]Observer{NewLogObserver(logger), NewMetricsObserver(t.Metrics)}, cfg.Observers...)
	t.Pipeline = NewPipeline(WithPipelineLogger(logger), WithObservers(observers...))

	logger.InfoContext(ctx, "telemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.Bool("tracing", cfg.SpanExporter != nil),
		slog.Bool("metrics_export", cfg.MetricReader != nil),
		slog.Int("abort_observers", len(observers)),
	)
	return t, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown waits for pending abort notifications, then flushes and stops the
// providers in reverse order of creation.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.logger.InfoContext(ctx, "shutting down telemetry")
	errs := []error{t.Pipeline.Flush(ctx)}
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i](ctx))
	}
	return errors.Join(errs...)
}
