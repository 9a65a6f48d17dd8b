package structure

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds structure lookup instruments. A nil *Metrics records nothing.
type Metrics struct {
	lookups     metric.Int64Counter
	attempts    metric.Int64Counter
	resolutions metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("esiwatch.structure")

	lookups, err := meter.Int64Counter(
		"esiwatch.structure.lookups",
		metric.WithDescription("Structure lookups by cache result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(
		"esiwatch.structure.attempts",
		metric.WithDescription("Remote structure requests by HTTP status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	resolutions, err := meter.Int64Counter(
		"esiwatch.structure.resolutions",
		metric.WithDescription("Structure requests reaching a terminal state"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{lookups: lookups, attempts: attempts, resolutions: resolutions}, nil
}

func (m *Metrics) recordLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordAttempt(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) recordResolution(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}
