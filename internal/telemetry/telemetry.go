// Package telemetry provides the broker's OpenTelemetry tracing and RED
// (Rate, Errors, Duration) metrics, adapted from the teacher's
// pkg/observability/observability.go: the same OTLP-gRPC
// trace/metric-provider setup and TrackOperation helper, re-themed from
// HELM's service/metric names to the broker's own and trimmed of the
// teacher's placeholder mTLS-credential comments.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the broker's OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the broker's default telemetry settings:
// disabled unless an operator opts in via OTEL_ENABLED, since most
// local/dev runs have no collector listening.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "intentkeep-broker",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the broker's trace and metric providers plus its RED
// (Rate, Errors, Duration) instrumentation of the Admission Pipeline's
// send_intent and respond calls.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	rejectionCounter metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New creates a Provider. A nil or disabled config yields a Provider
// whose methods are all safe no-ops, so callers never need to branch on
// whether telemetry is configured.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{config: cfg, logger: slog.Default().With("component", "telemetry")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("broker.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("intentkeep.broker", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("intentkeep.broker", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName, "environment", cfg.Environment, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.requestCounter, err = p.meter.Int64Counter("broker.admission.requests",
		metric.WithDescription("Total intents submitted to the Admission Pipeline"),
		metric.WithUnit("{intent}")); err != nil {
		return err
	}
	// rejectionCounter is the per-RejectionKind counter spec.md's
	// observability expansion calls for: every brokererr.Kind the
	// pipeline rejects on is a distinct attribute value, not a distinct
	// metric, so a dashboard can break down rejections by kind without
	// a metric-name explosion.
	if p.rejectionCounter, err = p.meter.Int64Counter("broker.admission.rejections",
		metric.WithDescription("Total rejections, by kind"),
		metric.WithUnit("{rejection}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("broker.admission.duration",
		metric.WithDescription("Admission Pipeline step duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0)); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("broker.operations.active",
		metric.WithDescription("In-flight admission/delivery operations"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and releases the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) tracerOrGlobal() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("intentkeep.broker")
	}
	return p.tracer
}

// StartSpan starts a span named name. Safe to call on a disabled
// Provider — it delegates to the no-op global tracer in that case.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracerOrGlobal().Start(ctx, name, opts...)
}

// RecordRejection increments the per-kind rejection counter (spec.md's
// observability expansion: "a counter metric per RejectionKind").
func (p *Provider) RecordRejection(ctx context.Context, kind string) {
	if p.rejectionCounter != nil {
		p.rejectionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// TrackAdmission wraps one Admit/Respond call with a span, the RED
// request/duration metrics, and active-operation tracking. The
// returned func must be called with the resulting error (nil on
// success, a *brokererr.Error on rejection, any other error on
// internal failure).
func (p *Provider) TrackAdmission(ctx context.Context, step string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "admission."+step, trace.WithSpanKind(trace.SpanKindInternal))

	attrs := []attribute.KeyValue{attribute.String("step", step)}
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
