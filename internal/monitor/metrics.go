package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds polling instruments. A nil *Metrics records nothing.
type Metrics struct {
	fetches  metric.Int64Counter
	duration metric.Float64Histogram
	monitors metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("esiwatch.monitor")

	fetches, err := meter.Int64Counter(
		"esiwatch.monitor.fetches",
		metric.WithDescription("Monitor fetches by resource and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"esiwatch.monitor.fetch.duration",
		metric.WithDescription("Monitor fetch round trip"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	monitors, err := meter.Int64UpDownCounter(
		"esiwatch.monitor.active",
		metric.WithDescription("Registered monitors"),
		metric.WithUnit("{monitor}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{fetches: fetches, duration: duration, monitors: monitors}, nil
}

func (m *Metrics) recordFetch(ctx context.Context, resource, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	)
	m.fetches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) recordMonitors(delta int64) {
	if m == nil {
		return
	}
	m.monitors.Add(context.Background(), delta)
}
