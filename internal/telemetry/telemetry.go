// Package telemetry wires OpenTelemetry tracing and metrics for esiwatch.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/esiwatch/internal/config"
)

const instrumentationName = "github.com/yairfalse/esiwatch"

// Provider owns the process-wide tracer and meter providers and, when
// scraping is enabled, the Prometheus registry behind /metrics.
type Provider struct {
	traces   *sdktrace.TracerProvider
	metrics  *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// NewProvider builds both providers and installs them as the otel globals,
// so instruments created through otel.Meter after this call are exported.
// OTLP exporters are added only when otel.endpoint is set.
func NewProvider(ctx context.Context, cfg config.OTELConfig, scrape config.MetricsConfig) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceOpts, err := tracerOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		traces: sdktrace.NewTracerProvider(append(traceOpts, sdktrace.WithResource(res))...),
	}

	readers, err := p.metricReaders(ctx, cfg, scrape)
	if err != nil {
		_ = p.traces.Shutdown(ctx)
		return nil, err
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	p.metrics = sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	return p, nil
}

func tracerOptions(ctx context.Context, cfg config.OTELConfig) ([]sdktrace.TracerProviderOption, error) {
	if !cfg.Traces.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	exportOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exportOpts = append(exportOpts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))),
	}, nil
}

// metricReaders returns the Prometheus pull reader and the OTLP push reader,
// whichever are configured.
func (p *Provider) metricReaders(ctx context.Context, cfg config.OTELConfig, scrape config.MetricsConfig) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader

	if scrape.Enabled {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := otelprom.New(otelprom.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exportOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exportOpts = append(exportOpts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, exportOpts...)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp))
	}
	return readers, nil
}

// Tracer returns the esiwatch tracer.
func (p *Provider) Tracer() trace.Tracer { return p.traces.Tracer(instrumentationName) }

// Meter returns the esiwatch meter.
func (p *Provider) Meter() metric.Meter { return p.metrics.Meter(instrumentationName) }

// StartSpan starts a span on the esiwatch tracer.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name)
}

// Handler serves the Prometheus scrape endpoint. It is nil when scraping is
// disabled.
func (p *Provider) Handler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.traces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}
	if err := p.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
