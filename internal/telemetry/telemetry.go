// Package telemetry provides OpenTelemetry instrumentation for tagops.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yairfalse/tagops/internal/config"
)

const instrumentationName = "github.com/yairfalse/tagops"

// Provider wraps OTEL tracer and meter providers. It satisfies the
// recorder interfaces of the api and operation packages.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	meter          metric.Meter

	registry    *promclient.Registry
	pushgateway string
	job         string
	grouping    map[string]string

	// Metrics
	apiRequests metric.Int64Counter
	polls       metric.Int64Counter
	waitSeconds metric.Float64Histogram
}

// Option configures a Provider.
type Option func(*Provider)

// WithGrouping adds a Pushgateway grouping label.
func WithGrouping(name, value string) Option {
	return func(p *Provider) {
		if value != "" {
			p.grouping[name] = value
		}
	}
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, opts ...Option) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{
		pushgateway: cfg.Pushgateway,
		job:         cfg.ServiceName,
		grouping:    map[string]string{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return nil
}

// setupMetrics always attaches a Prometheus reader on a private registry so
// the same instruments can be pushed to a Pushgateway on exit. OTLP export
// is added when an endpoint is configured.
func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	p.registry = promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.apiRequests, err = p.meter.Int64Counter(
		"tagops_api_requests_total",
		metric.WithDescription("API calls by method and result code"),
	)
	if err != nil {
		return fmt.Errorf("create api_requests: %w", err)
	}

	p.polls, err = p.meter.Int64Counter(
		"tagops_operation_polls_total",
		metric.WithDescription("Operation polls by observed state"),
	)
	if err != nil {
		return fmt.Errorf("create operation_polls: %w", err)
	}

	p.waitSeconds, err = p.meter.Float64Histogram(
		"tagops_operation_wait_seconds",
		metric.WithDescription("Time spent waiting for operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create operation_wait: %w", err)
	}

	return nil
}

// RecordAPIRequest counts one API call.
func (p *Provider) RecordAPIRequest(ctx context.Context, method, code string) {
	p.apiRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", code),
	))
}

// RecordPoll counts one operation poll.
func (p *Provider) RecordPoll(ctx context.Context, state string) {
	p.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordWait records how long a wait took and how it ended.
func (p *Provider) RecordWait(ctx context.Context, state string, d time.Duration) {
	p.waitSeconds.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("state", state)))
}

// Push sends the current metrics to the configured Pushgateway. It is a
// no-op when none is configured.
func (p *Provider) Push(ctx context.Context) error {
	if p.pushgateway == "" {
		return nil
	}
	pusher := push.New(p.pushgateway, p.job).Gatherer(p.registry)
	for name, value := range p.grouping {
		pusher = pusher.Grouping(name, value)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Shutdown pushes metrics, then flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.Push(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
		}
	}
	return errors.Join(errs...)
}
