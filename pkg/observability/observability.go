// Package observability wires OpenTelemetry tracing and metrics for the
// service: OTLP gRPC export, plus counters for the governance surface
// (audit appends, egress decisions, gate verdicts, rate-limit
// rejections).
package observability

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

// Config configures the OpenTelemetry providers.
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

// DefaultConfig returns local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "warden",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the governance
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	auditAppends    metric.Int64Counter
	egressDecisions metric.Int64Counter
	gateDecisions   metric.Int64Counter
	limitRejections metric.Int64Counter
	runsFinished    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// New creates a provider. A disabled config returns a provider whose
// recorders are all no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("warden", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("warden", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
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
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.auditAppends, err = p.meter.Int64Counter("warden.audit.appends",
		metric.WithDescription("Audit entries appended to the ledger"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return err
	}
	p.egressDecisions, err = p.meter.Int64Counter("warden.egress.decisions",
		metric.WithDescription("Egress checks, labeled by outcome and reason"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.gateDecisions, err = p.meter.Int64Counter("warden.gates.decisions",
		metric.WithDescription("Human gate verdicts, labeled by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.limitRejections, err = p.meter.Int64Counter("warden.ratelimit.rejections",
		metric.WithDescription("Requests rejected by a rate limiter"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.runsFinished, err = p.meter.Int64Counter("warden.runs.finished",
		metric.WithDescription("Runs reaching a terminal state, labeled by state and reason"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}
	p.requestDuration, err = p.meter.Float64Histogram("warden.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("warden")
	}
	return p.tracer
}

// RecordAuditAppend counts one ledger append.
func (p *Provider) RecordAuditAppend(ctx context.Context, action string) {
	if p.auditAppends != nil {
		p.auditAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("audit.action", action)))
	}
}

// RecordEgressDecision counts one egress check.
func (p *Provider) RecordEgressDecision(ctx context.Context, allowed bool, reason string) {
	if p.egressDecisions != nil {
		p.egressDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("egress.allowed", allowed),
			attribute.String("egress.reason", reason)))
	}
}

// RecordGateDecision counts one human gate verdict.
func (p *Provider) RecordGateDecision(ctx context.Context, approved bool) {
	if p.gateDecisions != nil {
		p.gateDecisions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("gate.approved", approved)))
	}
}

// RecordLimitRejection counts one rate-limit rejection.
func (p *Provider) RecordLimitRejection(ctx context.Context, limiter string) {
	if p.limitRejections != nil {
		p.limitRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("ratelimit.kind", limiter)))
	}
}

// RecordRunFinished counts one terminal run.
func (p *Provider) RecordRunFinished(ctx context.Context, state, reason string) {
	if p.runsFinished != nil {
		attrs := []attribute.KeyValue{attribute.String("run.state", state)}
		if reason != "" {
			attrs = append(attrs, attribute.String("run.stop_reason", reason))
		}
		p.runsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRequestDuration records one HTTP request duration.
func (p *Provider) RecordRequestDuration(ctx context.Context, d time.Duration, route string, status int) {
	if p.requestDuration != nil {
		p.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status)))
	}
}
