package budget

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exports the tracker state as observable gauges.
type Metrics struct {
	remaining metric.Int64ObservableGauge
	throttled metric.Int64ObservableGauge
	reg       metric.Registration
}

// NewMetrics registers gauges observing t on the global meter provider.
func NewMetrics(t *Tracker) (*Metrics, error) {
	meter := otel.Meter("esiwatch.budget")

	remaining, err := meter.Int64ObservableGauge(
		"esiwatch.budget.remaining",
		metric.WithDescription("Remaining ESI error budget"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	throttled, err := meter.Int64ObservableGauge(
		"esiwatch.budget.throttled",
		metric.WithDescription("1 while new requests are withheld"),
	)
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		n, _ := t.CurrentRemaining()
		o.ObserveInt64(remaining, int64(n))
		var v int64
		if t.IsThrottled() {
			v = 1
		}
		o.ObserveInt64(throttled, v)
		return nil
	}, remaining, throttled)
	if err != nil {
		return nil, err
	}

	return &Metrics{remaining: remaining, throttled: throttled, reg: reg}, nil
}

// Close unregisters the callback.
func (m *Metrics) Close() error {
	return m.reg.Unregister()
}
