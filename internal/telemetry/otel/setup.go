// Package otel provides OpenTelemetry TracerProvider, MeterProvider, and LoggerProvider
// configured with OTLP exporters, plus an EventEmitter that writes session events as OTel log records.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"fidc-session-auth/backend/internal/logging"
)

const defaultMetricInterval = 10 * time.Second

// Options configures NewProviders.
type Options struct {
	// Endpoint is the OTLP gRPC collector (host:port or a URL; any path is dropped).
	// Empty keeps telemetry in process.
	Endpoint string
	// Insecure disables TLS even for https endpoints.
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	// Environment is reported as deployment.environment.name (APP_ENV).
	Environment string
	// SampleRatio is the fraction of new root traces recorded; children follow their parent.
	SampleRatio float64
	// MetricInterval is the metric export period. Defaults to 10s.
	MetricInterval time.Duration
	Logger         *slog.Logger
}

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// collector returns the gRPC dial target for endpoint and whether to skip TLS.
func collector(endpoint string, insecure bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, insecure || u.Scheme != "https", nil
}

func (o Options) resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(o.ServiceName)}
	if o.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(o.ServiceVersion))
	}
	if o.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentNameKey.String(o.Environment))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

func (o Options) sampler() sdktrace.Sampler {
	ratio := o.SampleRatio
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// NewProviders builds the three providers sharing one resource and the configured sampler.
// With an empty Endpoint nothing is exported and Shutdown only flushes in-process state.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	logger := logging.OrDiscard(opts.Logger)
	res, err := opts.resource()
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(opts.sampler())}
	meterOpts := []metric.Option{metric.WithResource(res)}
	logOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}

	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		target, insecure, err := collector(endpoint, opts.Insecure)
		if err != nil {
			return nil, err
		}
		exp, err := newExporters(ctx, target, insecure)
		if err != nil {
			return nil, err
		}
		interval := opts.MetricInterval
		if interval <= 0 {
			interval = defaultMetricInterval
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp.trace))
		meterOpts = append(meterOpts, metric.WithReader(metric.NewPeriodicReader(exp.metric, metric.WithInterval(interval))))
		logOpts = append(logOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp.log)))
		logger.Info("otel export enabled", "target", target, "insecure", insecure, "sample_ratio", opts.SampleRatio)
	}

	p := &Providers{
		TracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		MeterProvider:  metric.NewMeterProvider(meterOpts...),
		LoggerProvider: sdklog.NewLoggerProvider(logOpts...),
	}
	var (
		once        sync.Once
		shutdownErr error
	)
	p.Shutdown = func(ctx context.Context) error {
		once.Do(func() {
			// Reverse of construction order.
			shutdownErr = errors.Join(
				p.LoggerProvider.Shutdown(ctx),
				p.MeterProvider.Shutdown(ctx),
				p.TracerProvider.Shutdown(ctx),
			)
			if shutdownErr != nil {
				logger.Warn("otel shutdown incomplete", "error", shutdownErr)
			}
		})
		return shutdownErr
	}
	return p, nil
}

type exporters struct {
	trace  sdktrace.SpanExporter
	metric metric.Exporter
	log    sdklog.Exporter
}

func newExporters(ctx context.Context, target string, insecure bool) (*exporters, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}
	te, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	me, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = te.Shutdown(ctx)
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	le, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		_ = te.Shutdown(ctx)
		_ = me.Shutdown(ctx)
		return nil, fmt.Errorf("otlp log exporter: %w", err)
	}
	return &exporters{trace: te, metric: me, log: le}, nil
}

// SetGlobal installs the tracer and meter providers and the W3C propagator for otelgrpc and the
// session service. The LoggerProvider is passed to NewEventEmitter instead.
func (p *Providers) SetGlobal() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
