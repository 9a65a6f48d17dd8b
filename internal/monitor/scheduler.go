package monitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/identity"
)

const (
	DefaultTick               = time.Second
	DefaultStaggerPerIdentity = 5 * time.Second
	DefaultStaggerJitter      = 2 * time.Second
	DefaultRetryDelay         = 30 * time.Second
)

// Config controls the scheduler.
type Config struct {
	Tick               time.Duration
	StaggerPerIdentity time.Duration
	StaggerJitter      time.Duration
	RetryDelay         time.Duration
	// DefaultInterval applies to resources without their own interval.
	DefaultInterval time.Duration
	// Intervals overrides per resource name.
	Intervals map[string]time.Duration
	// Extended enables non-basic resources for every identity.
	Extended bool
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.StaggerPerIdentity < 0 {
		c.StaggerPerIdentity = 0
	}
	if c.StaggerJitter < 0 {
		c.StaggerJitter = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Stagger returns the startup offset of the identity in slot.
func Stagger(slot int, perIdentity, jitter time.Duration, rnd func(time.Duration) time.Duration) time.Duration {
	offset := time.Duration(slot) * perIdentity
	if jitter > 0 && rnd != nil {
		offset += rnd(jitter)
	}
	return offset
}

func randomJitter(max time.Duration) time.Duration {
	return rand.N(max)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithJitter replaces the random jitter source.
func WithJitter(fn func(time.Duration) time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.jitter = fn }
}

type binding struct {
	id      esi.ResourceID
	handler Handler
}

// Scheduler owns the monitors of every registered identity and drives
// them from one ticker.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	jitter func(time.Duration) time.Duration

	mu       sync.Mutex
	bindings []binding
	monitors map[int64][]*Monitor
	groups   map[int64]map[esi.ResourceID]*Group
	slot     int
	// staggerEnd is when the last staggered identity's window closes;
	// identities added after it start a fresh sequence at slot 0.
	staggerEnd time.Time
	attached   bool
}

// NewScheduler creates a scheduler. Handlers are registered before Attach.
func NewScheduler(cfg Config, deps Deps, opts ...SchedulerOption) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "scheduler").Logger(),
		jitter:   randomJitter,
		monitors: make(map[int64][]*Monitor),
		groups:   make(map[int64]map[esi.ResourceID]*Group),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register binds a handler to a resource for every identity.
func (s *Scheduler) Register(id esi.ResourceID, h Handler) error {
	if _, ok := esi.Lookup(id); !ok {
		return fmt.Errorf("register monitor: unknown resource %d", id)
	}
	if h == nil {
		return fmt.Errorf("register monitor %s: nil handler", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return fmt.Errorf("register monitor %s: scheduler already attached", id)
	}
	for _, b := range s.bindings {
		if b.id == id {
			return fmt.Errorf("register monitor %s: already registered", id)
		}
	}
	s.bindings = append(s.bindings, binding{id: id, handler: h})
	return nil
}

// Attach creates monitors for the identities already registered and
// follows later additions and removals.
func (s *Scheduler) Attach() {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return
	}
	s.attached = true
	s.mu.Unlock()

	s.deps.Registry.Subscribe(s.onEvent)
	for _, ident := range s.deps.Registry.All() {
		s.addIdentity(ident.ID)
	}
}

func (s *Scheduler) onEvent(ev identity.Event) {
	id := ev.Identity.ID
	switch ev.Kind {
	case identity.EventAdded:
		s.addIdentity(id)
	case identity.EventRemoved:
		s.removeIdentity(id)
	case identity.EventMonitoredChanged:
		s.logger.Debug().Int64("identity_id", id).Bool("monitored", ev.Identity.Monitored()).Msg("monitored flag changed")
	}
}

func (s *Scheduler) addIdentity(identityID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.monitors[identityID]; ok {
		return
	}

	now := s.deps.Now()
	if now.After(s.staggerEnd) {
		s.slot = 0
	}
	startAt := now.Add(Stagger(s.slot, s.cfg.StaggerPerIdentity, s.cfg.StaggerJitter, s.jitter))
	s.slot++
	if end := startAt.Add(s.cfg.StaggerPerIdentity); end.After(s.staggerEnd) {
		s.staggerEnd = end
	}

	var created []*Monitor
	groups := make(map[esi.ResourceID]*Group)
	for _, b := range s.bindings {
		desc := esi.MustLookup(b.id)
		m, err := NewMonitor(identityID, desc, b.handler, s.deps, Settings{
			StartAt:    startAt,
			Interval:   s.interval(desc),
			RetryDelay: s.cfg.RetryDelay,
			Enabled:    desc.Basic || s.cfg.Extended,
			Forced:     desc.QueryOnStartup,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("resource", desc.Name).Msg("failed to create monitor")
			continue
		}
		s.restoreValidator(m)

		if desc.Grouped() {
			g, ok := groups[desc.Parent]
			if !ok {
				g = newGroup(identityID, esi.MustLookup(desc.Parent), s.deps.Publisher)
				groups[desc.Parent] = g
			}
			g.add(m)
		}
		created = append(created, m)
	}

	s.monitors[identityID] = created
	s.groups[identityID] = groups
	s.deps.Metrics.recordMonitors(int64(len(created)))

	s.logger.Info().
		Int64("identity_id", identityID).
		Int("monitors", len(created)).
		Time("start_at", startAt).
		Msg("identity monitors created")
}

func (s *Scheduler) restoreValidator(m *Monitor) {
	if s.deps.Validators == nil {
		return
	}
	v, ok, err := s.deps.Validators.LoadValidator(m.identityID, m.desc.Name)
	if err != nil {
		s.logger.Warn().Err(err).Str("resource", m.desc.Name).Msg("failed to load cache validator")
		return
	}
	if ok {
		m.restore(v)
	}
}

func (s *Scheduler) removeIdentity(identityID int64) {
	s.mu.Lock()
	removed, ok := s.monitors[identityID]
	delete(s.monitors, identityID)
	delete(s.groups, identityID)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.deps.Metrics.recordMonitors(-int64(len(removed)))
	for _, m := range removed {
		m.retire()
	}

	if s.deps.Validators != nil {
		if err := s.deps.Validators.DeleteValidators(identityID); err != nil {
			s.logger.Warn().Err(err).Int64("identity_id", identityID).Msg("failed to delete cache validators")
		}
	}
	s.logger.Info().Int64("identity_id", identityID).Msg("identity monitors destroyed")
}

func (s *Scheduler) interval(desc esi.Descriptor) time.Duration {
	if d, ok := s.cfg.Intervals[desc.Name]; ok && d > 0 {
		return d
	}
	if desc.Interval > 0 {
		return desc.Interval
	}
	return s.cfg.DefaultInterval
}

// Tick offers now to every monitor and returns how many fetches started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	monitors, groups := s.snapshot()
	for _, g := range groups {
		g.begin()
	}
	started := 0
	for _, m := range monitors {
		if m.Tick(ctx, now) {
			started++
		}
	}
	for _, g := range groups {
		g.end()
	}
	return started
}

// Run ticks until ctx is done, then waits for in-flight fetches.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Attach()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.cfg.Tick).Msg("monitor scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info().Msg("monitor scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.deps.Now())
		}
	}
}

// Wait blocks until every in-flight fetch has settled.
func (s *Scheduler) Wait() {
	for _, m := range s.all() {
		m.Wait()
	}
}

// Monitors returns the monitors of one identity.
func (s *Scheduler) Monitors(identityID int64) []*Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Monitor(nil), s.monitors[identityID]...)
}

// Monitor returns one identity's monitor for resource.
func (s *Scheduler) Monitor(identityID int64, resource esi.ResourceID) (*Monitor, bool) {
	for _, m := range s.Monitors(identityID) {
		if m.desc.ID == resource {
			return m, true
		}
	}
	return nil, false
}

// Group returns one identity's group keyed by parent resource.
func (s *Scheduler) Group(identityID int64, parent esi.ResourceID) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[identityID][parent]
	return g, ok
}

// ForceUpdate forces every monitor of the identity. It reports whether
// the identity has monitors.
func (s *Scheduler) ForceUpdate(identityID int64) bool {
	monitors := s.Monitors(identityID)
	for _, m := range monitors {
		m.ForceUpdate()
	}
	return len(monitors) > 0
}

// SetExtended toggles every non-basic monitor of the identity.
func (s *Scheduler) SetExtended(identityID int64, enabled bool) {
	for _, m := range s.Monitors(identityID) {
		if !m.desc.Basic {
			m.SetEnabled(enabled)
		}
	}
}

func (s *Scheduler) all() []*Monitor {
	monitors, _ := s.snapshot()
	return monitors
}

// snapshot returns every monitor ordered by identity ID, and every group.
func (s *Scheduler) snapshot() ([]*Monitor, []*Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var monitors []*Monitor
	var groups []*Group
	for _, id := range ids {
		monitors = append(monitors, s.monitors[id]...)
		for _, g := range s.groups[id] {
			groups = append(groups, g)
		}
	}
	return monitors, groups
}
