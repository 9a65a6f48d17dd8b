// Package daemon wires every esiwatch component together and runs them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"github.com/yairfalse/esiwatch/internal/budget"
	"github.com/yairfalse/esiwatch/internal/config"
	"github.com/yairfalse/esiwatch/internal/dispatch"
	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/identity"
	"github.com/yairfalse/esiwatch/internal/monitor"
	"github.com/yairfalse/esiwatch/internal/notify"
	"github.com/yairfalse/esiwatch/internal/skills"
	"github.com/yairfalse/esiwatch/internal/station"
	"github.com/yairfalse/esiwatch/internal/storage"
	"github.com/yairfalse/esiwatch/internal/structure"
	"github.com/yairfalse/esiwatch/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Option configures a Daemon.
type Option func(*options)

type options struct {
	requester esi.Requester
}

// WithRequester replaces the HTTP client, mainly for tests.
func WithRequester(r esi.Requester) Option {
	return func(o *options) { o.requester = r }
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg       *config.Config
	logger    zerolog.Logger
	startTime time.Time

	telemetry     *telemetry.Provider
	tracker       *budget.Tracker
	budgetMetrics *budget.Metrics
	requester     esi.Requester
	registry      *identity.Registry
	queue         *dispatch.Queue
	bus           *notify.Bus
	store         *storage.BoltStore
	lookups       *structure.Service
	stations      *station.Facade
	scheduler     *monitor.Scheduler
	skillQueues   *skills.QueueModel
	attributes    *skills.AttributesModel
	snapshots     *monitor.Snapshots
	metrics       *Metrics

	metricsAddr chan string
}

// New builds the component graph from cfg. Close releases it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d = &Daemon{
		cfg:         cfg,
		logger:      logger.With().Str("component", "daemon").Logger(),
		startTime:   time.Now(),
		metricsAddr: make(chan string, 1),
	}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL, cfg.Metrics); err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	d.tracker = budget.NewTracker(budget.Config{
		Threshold:      cfg.Budget.Threshold,
		Ceiling:        cfg.Budget.Ceiling,
		MaxResetWindow: cfg.Budget.MaxResetWindow.D(),
	})
	if d.budgetMetrics, err = budget.NewMetrics(d.tracker); err != nil {
		return nil, fmt.Errorf("budget metrics: %w", err)
	}

	d.requester = o.requester
	if d.requester == nil {
		d.requester, err = esi.NewClient(esi.ClientConfig{
			BaseURL:           cfg.ESI.BaseURL,
			UserAgent:         cfg.ESI.UserAgent,
			Timeout:           cfg.ESI.Timeout.D(),
			RequestsPerSecond: cfg.ESI.RequestsPerSecond,
			Burst:             cfg.ESI.Burst,
		}, d.tracker, logger)
		if err != nil {
			return nil, fmt.Errorf("esi client: %w", err)
		}
	}

	d.registry = identity.NewRegistry()
	d.queue = dispatch.NewQueue(0, logger)
	d.bus = notify.NewBus(d.queue)

	if d.store, err = storage.Open(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	structureMetrics, err := structure.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("structure metrics: %w", err)
	}
	d.lookups, err = structure.NewService(structure.Config{
		Concurrency:       cfg.Lookup.Concurrency,
		MaxBudgetWait:     cfg.Lookup.MaxBudgetWait.D(),
		InaccessibleRetry: cfg.Lookup.InaccessibleRetry.D(),
	}, d.requester, d.registry, d.tracker, logger,
		structure.WithPoster(d.queue),
		structure.WithPublisher(d.bus),
		structure.WithMetrics(structureMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("structure service: %w", err)
	}

	static, err := station.BundledStatic()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.StationsFile != "" {
		extra, err := station.LoadStatic(cfg.Storage.StationsFile)
		if err != nil {
			return nil, err
		}
		static = static.Merge(extra)
	}
	d.stations, err = station.New(station.Config{
		SaveDebounce: cfg.Storage.SaveDebounce.D(),
	}, d.lookups, d.store, logger, station.WithStatic(static))
	if err != nil {
		return nil, err
	}

	if err = d.buildScheduler(logger); err != nil {
		return nil, err
	}

	if d.metrics, err = NewMetrics(d); err != nil {
		return nil, fmt.Errorf("daemon metrics: %w", err)
	}
	d.bus.Subscribe(d.onNotification)

	if err = d.loadIdentities(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) buildScheduler(logger zerolog.Logger) error {
	monitorMetrics, err := monitor.NewMetrics()
	if err != nil {
		return fmt.Errorf("monitor metrics: %w", err)
	}

	intervals := make(map[string]time.Duration, len(d.cfg.Monitor.Intervals))
	for name, iv := range d.cfg.Monitor.Intervals {
		intervals[name] = iv.D()
	}

	d.scheduler, err = monitor.NewScheduler(monitor.Config{
		Tick:               d.cfg.Monitor.Tick.D(),
		StaggerPerIdentity: d.cfg.Monitor.StaggerPerIdentity.D(),
		StaggerJitter:      d.cfg.Monitor.StaggerJitter.D(),
		RetryDelay:         d.cfg.Monitor.RetryDelay.D(),
		DefaultInterval:    d.cfg.Monitor.DefaultInterval.D(),
		Intervals:          intervals,
		Extended:           d.cfg.Monitor.Extended,
	}, monitor.Deps{
		Registry:   d.registry,
		Requester:  d.requester,
		Tracker:    d.tracker,
		Poster:     d.queue,
		Publisher:  d.bus,
		Validators: d.store,
		Metrics:    monitorMetrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("monitor scheduler: %w", err)
	}

	d.skillQueues = skills.NewQueueModel(nil)
	d.attributes = skills.NewAttributesModel()
	d.snapshots = monitor.NewSnapshots()

	for _, desc := range polledResources(d.cfg.Monitor.Resources) {
		var h monitor.Handler
		switch desc.ID {
		case esi.SkillQueue:
			h = d.skillQueues
		case esi.Attributes:
			h = d.attributes
		case esi.Location:
			h = d.locationHandler(desc, characterLocationIDs)
		case esi.Assets:
			h = d.locationHandler(desc, assetLocationIDs)
		default:
			h = d.snapshots.Handler(desc.Name)
		}
		if err := d.scheduler.Register(desc.ID, h); err != nil {
			return err
		}
	}
	return nil
}

// polledResources resolves configured names, defaulting to every
// per-identity resource.
func polledResources(names []string) []esi.Descriptor {
	var out []esi.Descriptor
	if len(names) == 0 {
		for _, d := range esi.Resources() {
			if d.ID != esi.CitadelInfo {
				out = append(out, d)
			}
		}
		return out
	}
	for _, name := range names {
		if d, ok := esi.ByName(name); ok {
			out = append(out, d)
		}
	}
	return out
}

func (d *Daemon) onNotification(n notify.Notification) {
	d.metrics.recordNotification(context.Background(), n.Kind)

	event := d.logger.Debug()
	if n.Kind == notify.KindAuthorizationFailed {
		event = d.logger.Warn()
	}
	event.
		Str("kind", string(n.Kind)).
		Int64("identity_id", n.IdentityID).
		Str("resource", n.Resource).
		Str("message", n.Message).
		Msg("notification")
}

// Run starts every component and blocks until ctx is cancelled, a signal
// arrives or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		return d.queue.Run(ctx)
	}, func(error) {
		d.queue.Close()
	})

	stationsCtx, stopStations := context.WithCancel(ctx)
	g.Add(func() error {
		return d.stations.Run(stationsCtx)
	}, func(error) {
		stopStations()
	})

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	g.Add(func() error {
		return d.scheduler.Run(schedulerCtx)
	}, func(error) {
		stopScheduler()
	})

	if d.cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.Metrics.Addr, err)
		}
		d.metricsAddr <- ln.Addr().String()
		srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	d.logger.Info().
		Int("identities", d.registry.Len()).
		Str("storage", d.store.Path()).
		Msg("esiwatch daemon started")

	err := g.Run()

	var sig run.SignalError
	if errors.As(err, &sig) {
		d.logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// MetricsAddr returns the bound metrics address once Run has started the
// server.
func (d *Daemon) MetricsAddr(ctx context.Context) (string, error) {
	select {
	case addr := <-d.metricsAddr:
		d.metricsAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve loads the persisted cache and resolves one location, running the
// dispatch queue for the duration of the call.
func (d *Daemon) Resolve(ctx context.Context, id int64) (*station.Station, error) {
	if err := d.stations.Load(ctx); err != nil {
		return nil, err
	}

	go func() { _ = d.queue.Run(ctx) }()

	st, err := d.stations.ResolveAsync(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if flushErr := d.stations.Flush(ctx); flushErr != nil {
		d.logger.Warn().Err(flushErr).Msg("failed to save structure cache")
	}
	return st, nil
}

// Registry returns the identity registry.
func (d *Daemon) Registry() *identity.Registry { return d.registry }

// Stations returns the location facade.
func (d *Daemon) Stations() *station.Facade { return d.stations }

// Scheduler returns the monitor scheduler.
func (d *Daemon) Scheduler() *monitor.Scheduler { return d.scheduler }

// SkillQueues returns the skill queue model.
func (d *Daemon) SkillQueues() *skills.QueueModel { return d.skillQueues }

// Attributes returns the attributes model.
func (d *Daemon) Attributes() *skills.AttributesModel { return d.attributes }

// Snapshots returns raw payloads of untyped resources.
func (d *Daemon) Snapshots() *monitor.Snapshots { return d.snapshots }

// Bus returns the notification bus.
func (d *Daemon) Bus() *notify.Bus { return d.bus }

// Store returns the persistence store.
func (d *Daemon) Store() *storage.BoltStore { return d.store }

// Close stops background work and releases resources.
func (d *Daemon) Close() error {
	var errs []error
	if d.lookups != nil {
		errs = append(errs, d.lookups.Close())
	}
	if d.queue != nil {
		d.queue.Close()
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.budgetMetrics != nil {
		errs = append(errs, d.budgetMetrics.Close())
	}
	if d.metrics != nil {
		errs = append(errs, d.metrics.Close())
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, d.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
