package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/esiwatch/internal/notify"
)

// Metrics holds process-level instruments.
type Metrics struct {
	notifications metric.Int64Counter
	registration  metric.Registration
}

// NewMetrics creates the instruments and the gauges observed from d.
func NewMetrics(d *Daemon) (*Metrics, error) {
	meter := otel.Meter("esiwatch.daemon")

	notifications, err := meter.Int64Counter(
		"esiwatch.notifications",
		metric.WithDescription("Notifications published by kind"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	identities, err := meter.Int64ObservableGauge(
		"esiwatch.identities",
		metric.WithDescription("Registered identities by monitored flag"),
		metric.WithUnit("{identity}"),
	)
	if err != nil {
		return nil, err
	}

	structures, err := meter.Int64ObservableGauge(
		"esiwatch.structure.cache.size",
		metric.WithDescription("Resolved structures held in the cache"),
		metric.WithUnit("{structure}"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64ObservableGauge(
		"esiwatch.structure.queue.length",
		metric.WithDescription("Structure IDs waiting for resolution"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	uptime, err := meter.Float64ObservableGauge(
		"esiwatch.uptime",
		metric.WithDescription("Seconds since the daemon started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var monitored, idle int64
		for _, ident := range d.registry.All() {
			if ident.Monitored() {
				monitored++
			} else {
				idle++
			}
		}
		o.ObserveInt64(identities, monitored, metric.WithAttributes(attribute.Bool("monitored", true)))
		o.ObserveInt64(identities, idle, metric.WithAttributes(attribute.Bool("monitored", false)))
		o.ObserveInt64(structures, int64(d.lookups.Len()))
		o.ObserveInt64(pending, int64(d.lookups.QueueLen()))
		o.ObserveFloat64(uptime, d.Health().Uptime.Seconds())
		return nil
	}, identities, structures, pending, uptime)
	if err != nil {
		return nil, err
	}

	return &Metrics{notifications: notifications, registration: reg}, nil
}

func (m *Metrics) recordNotification(ctx context.Context, kind notify.Kind) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	return m.registration.Unregister()
}
