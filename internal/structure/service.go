package structure

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/esiwatch/internal/budget"
	"github.com/yairfalse/esiwatch/internal/dispatch"
	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/identity"
	"github.com/yairfalse/esiwatch/internal/notify"
)

const (
	DefaultConcurrency       = 3
	DefaultMaxBudgetWait     = 5 * time.Minute
	DefaultInaccessibleRetry = time.Hour
)

var (
	ErrNilRequester = errors.New("structure: requester is required")
	ErrNilRegistry  = errors.New("structure: identity registry is required")
	ErrNilTracker   = errors.New("structure: budget tracker is required")
)

// Config tunes the lookup service.
type Config struct {
	// Concurrency caps simultaneous outbound lookups.
	Concurrency int64
	// MaxBudgetWait bounds how long the queue sleeps for a throttled budget.
	// Longer reported resets are ignored.
	MaxBudgetWait time.Duration
	// InaccessibleRetry is how long an Inaccessible outcome is remembered
	// before a later lookup starts a fresh request. Zero keeps it forever.
	InaccessibleRetry time.Duration
}

// Service coalesces structure lookups, rotates identities and caches
// resolved names.
type Service struct {
	cfg       Config
	desc      esi.Descriptor
	requester esi.Requester
	registry  *identity.Registry
	tracker   *budget.Tracker
	logger    zerolog.Logger
	poster    dispatch.Poster
	publisher notify.Publisher
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	sem      *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
	enqueued atomic.Int64

	mu      sync.Mutex
	pending map[int64]*request
	queue   []int64

	cacheMu  sync.RWMutex
	cache    *btree.BTreeG[Structure]
	revision uint64

	listenersMu sync.RWMutex
	listeners   []func(Structure)
}

// Option configures a Service.
type Option func(*Service)

// WithPoster runs resolution listeners on p.
func WithPoster(p dispatch.Poster) Option {
	return func(s *Service) { s.poster = p }
}

// WithPublisher publishes a notification for every resolved structure.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics records lookup metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleep replaces the budget wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// NewService creates a lookup service. Close releases its goroutines.
func NewService(cfg Config, requester esi.Requester, registry *identity.Registry, tracker *budget.Tracker, logger zerolog.Logger, opts ...Option) (*Service, error) {
	switch {
	case requester == nil:
		return nil, ErrNilRequester
	case registry == nil:
		return nil, ErrNilRegistry
	case tracker == nil:
		return nil, ErrNilTracker
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxBudgetWait <= 0 {
		cfg.MaxBudgetWait = DefaultMaxBudgetWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		desc:      esi.MustLookup(esi.CitadelInfo),
		requester: requester,
		registry:  registry,
		tracker:   tracker,
		logger:    logger.With().Str("component", "structure").Logger(),
		poster:    dispatch.Inline{},
		tracer:    otel.Tracer("esiwatch.structure"),
		now:       time.Now,
		sleep:     sleepContext,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[int64]*request),
		cache:     btree.NewG[Structure](32, lessByID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close stops background processing and waits for in-flight resolutions.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// OnResolved registers fn for every newly resolved structure. fn runs on
// the service's poster.
func (s *Service) OnResolved(fn func(Structure)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Lookup returns the cached structure or schedules its resolution and
// returns false immediately.
func (s *Service) Lookup(id int64, requester *identity.Identity) (*Structure, bool) {
	if st, ok := s.Get(id); ok {
		s.metrics.recordLookup(s.ctx, "cached")
		return &st, true
	}
	s.metrics.recordLookup(s.ctx, "miss")

	if req := s.ensure(id, hintOf(requester)); req == nil {
		if st, ok := s.Get(id); ok {
			return &st, true
		}
	}
	return nil, false
}

// LookupAsync waits until the structure is resolved. It returns nil
// without error when the structure is inaccessible or destroyed; the only
// errors are ctx errors.
func (s *Service) LookupAsync(ctx context.Context, id int64, requester *identity.Identity) (*Structure, error) {
	if st, ok := s.Get(id); ok {
		s.metrics.recordLookup(ctx, "cached")
		return &st, nil
	}
	s.metrics.recordLookup(ctx, "miss")

	req := s.ensure(id, hintOf(requester))
	if req == nil {
		if st, ok := s.Get(id); ok {
			return &st, nil
		}
		return nil, nil
	}

	v, err := req.wait(ctx)
	if err != nil || v == nil {
		return nil, err
	}
	cp := *v
	return &cp, nil
}

// Get returns a cached structure.
func (s *Service) Get(id int64) (Structure, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Get(Structure{ID: id})
}

// State reports the lifecycle state known for id.
func (s *Service) State(id int64) (State, bool) {
	if _, ok := s.Get(id); ok {
		return StateCompleted, true
	}
	s.mu.Lock()
	req, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return StatePending, false
	}
	return req.State(), true
}

// Attempts returns the identities tried by the open request for id.
// Completed requests leave the ledger, so this is nil once id is cached.
func (s *Service) Attempts(id int64) []int64 {
	s.mu.Lock()
	req, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return req.attempts()
}

// Enqueued returns how many requests were ever queued for resolution.
func (s *Service) Enqueued() int64 { return s.enqueued.Load() }

// QueueLen returns the number of IDs waiting for dispatch.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ImportCache adds entries to the cache; the last value per ID wins.
// Imported entries are not counted as unsaved changes.
func (s *Service) ImportCache(entries []Structure) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, e := range entries {
		s.cache.ReplaceOrInsert(e)
	}
}

// ExportCache returns a snapshot ordered by ID.
func (s *Service) ExportCache() []Structure {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	out := make([]Structure, 0, s.cache.Len())
	s.cache.Ascend(func(st Structure) bool {
		out = append(out, st)
		return true
	})
	return out
}

// Revision increases every time a lookup adds to the cache.
func (s *Service) Revision() uint64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.revision
}

// Len returns the number of cached structures.
func (s *Service) Len() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

// ensure returns the open request for id, creating and queueing it on the
// first miss. It returns nil when id is already cached.
func (s *Service) ensure(id, hint int64) *request {
	s.mu.Lock()
	if _, ok := s.Get(id); ok {
		s.mu.Unlock()
		return nil
	}

	req, ok := s.pending[id]
	if ok && s.retryable(req) {
		ok = false
	}
	if !ok {
		req = newRequest(id, hint, s.now)
		s.pending[id] = req
	}

	enqueue := req.markQueued()
	if enqueue {
		s.queue = append(s.queue, id)
		s.enqueued.Add(1)
	}
	s.mu.Unlock()

	if enqueue {
		s.startLoop()
	}
	return req
}

func (s *Service) retryable(req *request) bool {
	state, at := req.finished()
	return state == StateInaccessible &&
		s.cfg.InaccessibleRetry > 0 &&
		s.now().Sub(at) >= s.cfg.InaccessibleRetry
}

func (s *Service) startLoop() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.processQueue()
}

func (s *Service) pop() (*request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if req, ok := s.pending[id]; ok {
			return req, true
		}
	}
	return nil, false
}

func (s *Service) processQueue() {
	defer s.wg.Done()

	for {
		req, ok := s.pop()
		if !ok {
			s.running.Store(false)
			// An ID queued after pop found the queue empty would otherwise
			// wait for the next miss.
			if s.QueueLen() == 0 || !s.running.CompareAndSwap(false, true) {
				return
			}
			continue
		}

		s.waitForBudget()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.running.Store(false)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.resolve(s.ctx, req)
		}()
	}
}

func (s *Service) waitForBudget() {
	if !s.tracker.IsThrottled() {
		return
	}
	wait := s.tracker.ResetTime().Sub(s.now())
	if wait <= 0 {
		return
	}
	if wait > s.cfg.MaxBudgetWait {
		s.logger.Warn().Dur("wait", wait).Msg("budget reset too far ahead, not waiting")
		return
	}

	s.logger.Warn().Dur("wait", wait).Msg("error budget throttled, pausing structure queue")
	_ = s.sleep(s.ctx, wait)
}

func (s *Service) resolve(ctx context.Context, req *request) {
	if !req.markInProgress() {
		return
	}

	ctx, span := s.tracer.Start(ctx, "structure.resolve",
		trace.WithAttributes(attribute.Int64("structure.id", req.id)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Ctx(ctx).Interface("panic", r).Int64("structure_id", req.id).Msg("structure resolution panicked")
			s.finishUnresolved(ctx, req, StateInaccessible)
		}
	}()

	for _, cand := range s.candidates(req) {
		if ctx.Err() != nil {
			break
		}
		// The identity may have been removed since candidates were listed.
		ident, ok := s.registry.Get(cand.ID)
		if !ok {
			continue
		}
		cred := ident.CredentialFor(identity.CapStructureInfo)
		if cred == nil {
			continue
		}
		tok, err := cred.Token(ctx)
		if err != nil {
			s.logger.Debug().Ctx(ctx).Err(err).Int64("identity_id", ident.ID).Msg("skipping identity without usable token")
			continue
		}
		if !req.attemptIdentity(ident.ID) {
			continue
		}
		if s.attempt(ctx, req, ident, tok) {
			span.SetAttributes(attribute.String("structure.state", req.State().String()))
			return
		}
	}

	s.finishUnresolved(ctx, req, StateInaccessible)
	span.SetAttributes(attribute.String("structure.state", StateInaccessible.String()))
}

// candidates lists identities able to see structures: the requesting
// identity first, then monitored ones, minus those already tried.
func (s *Service) candidates(req *request) []*identity.Identity {
	list := s.registry.WithCapability(identity.CapStructureInfo)
	if req.hint != 0 {
		for i, ident := range list {
			if ident.ID == req.hint {
				copy(list[1:i+1], list[:i])
				list[0] = ident
				break
			}
		}
	}
	return req.untried(list)
}

// attempt asks the remote as ident and reports whether the request reached
// a terminal state.
func (s *Service) attempt(ctx context.Context, req *request, ident *identity.Identity, tok *oauth2.Token) bool {
	log := s.logger.With().Ctx(ctx).Int64("structure_id", req.id).Int64("identity_id", ident.ID).Logger()

	res, err := s.requester.Do(ctx, esi.Request{
		Resource: s.desc,
		Token:    tok,
		Params:   map[string]string{"structure_id": strconv.FormatInt(req.id, 10)},
	})
	if err != nil {
		s.metrics.recordAttempt(ctx, "error")
		log.Warn().Err(err).Msg("structure lookup failed, trying next identity")
		return false
	}
	s.metrics.recordAttempt(ctx, strconv.Itoa(res.Status))

	switch {
	case res.OK():
		info, err := esi.DecodeStructure(res.Data)
		if err != nil {
			log.Warn().Err(err).Msg("malformed structure payload, trying next identity")
			return false
		}
		s.finishCompleted(ctx, req, Structure{
			ID:            req.id,
			Name:          info.Name,
			SolarSystemID: info.SolarSystemID,
			TypeID:        info.TypeID,
			OwnerID:       info.OwnerID,
			ResolvedAt:    s.now(),
		})
		return true
	case res.Status == http.StatusNotFound:
		s.finishUnresolved(ctx, req, StateDestroyed)
		return true
	case res.Status == http.StatusForbidden:
		log.Debug().Msg("identity has no access to structure")
		return false
	default:
		log.Warn().Int("status", res.Status).Str("error", res.ErrorMessage).Msg("structure lookup failed, trying next identity")
		return false
	}
}

func (s *Service) finishCompleted(ctx context.Context, req *request, st Structure) {
	s.cacheMu.Lock()
	s.cache.ReplaceOrInsert(st)
	s.revision++
	s.cacheMu.Unlock()

	s.mu.Lock()
	if s.pending[req.id] == req {
		delete(s.pending, req.id)
	}
	s.mu.Unlock()

	if !req.complete(&st) {
		return
	}
	s.metrics.recordResolution(ctx, StateCompleted)
	s.logger.Info().Ctx(ctx).Int64("structure_id", st.ID).Str("name", st.Name).Msg("structure resolved")

	s.listenersMu.RLock()
	listeners := append([]func(Structure){}, s.listeners...)
	s.listenersMu.RUnlock()
	if len(listeners) > 0 {
		s.poster.Post(func() {
			for _, fn := range listeners {
				fn(st)
			}
		})
	}
	if s.publisher != nil {
		s.publisher.Publish(notify.Notification{
			Kind:     notify.KindStructureResolved,
			Resource: s.desc.Name,
			Message:  st.Name,
		})
	}
}

// finishUnresolved moves req to Inaccessible or Destroyed. The request stays
// in the ledger so later lookups do not ask again.
func (s *Service) finishUnresolved(ctx context.Context, req *request, state State) {
	var ok bool
	if state == StateDestroyed {
		ok = req.setDestroyed()
	} else {
		ok = req.setInaccessible()
	}
	if !ok {
		return
	}
	s.metrics.recordResolution(ctx, state)
	s.logger.Info().Ctx(ctx).
		Int64("structure_id", req.id).
		Str("state", state.String()).
		Ints64("tried", req.attempts()).
		Msg("structure unresolved")
}

func hintOf(requester *identity.Identity) int64 {
	if requester == nil {
		return 0
	}
	return requester.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
