// Package monitor polls one remote resource per identity on a shared tick.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/yairfalse/esiwatch/internal/budget"
	"github.com/yairfalse/esiwatch/internal/dispatch"
	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/identity"
	"github.com/yairfalse/esiwatch/internal/notify"
)

var errNoCredential = errors.New("no usable credential for resource")

// Validator is the cache validator of the last successful fetch.
type Validator struct {
	ETag    string    `json:"etag,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// ValidatorStore persists validators across restarts.
type ValidatorStore interface {
	LoadValidator(identityID int64, resource string) (Validator, bool, error)
	SaveValidator(identityID int64, resource string, v Validator) error
	DeleteValidators(identityID int64) error
}

// Handler turns a payload into a model mutation. Decode runs off the
// dispatch queue; the returned function runs on it. data is nil when the
// resource does not exist for the identity.
type Handler interface {
	Decode(identityID int64, data []byte) (apply func(), err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(identityID int64, data []byte) (func(), error)

// Decode calls f.
func (f HandlerFunc) Decode(identityID int64, data []byte) (func(), error) {
	return f(identityID, data)
}

// Deps are the collaborators shared by every monitor.
type Deps struct {
	Registry   *identity.Registry
	Requester  esi.Requester
	Tracker    *budget.Tracker
	Poster     dispatch.Poster
	Publisher  notify.Publisher
	Validators ValidatorStore
	Metrics    *Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("monitor: identity registry is required")
	case d.Requester == nil:
		return errors.New("monitor: requester is required")
	case d.Tracker == nil:
		return errors.New("monitor: budget tracker is required")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Poster == nil {
		d.Poster = dispatch.Inline{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Settings are the per-monitor schedule parameters.
type Settings struct {
	// StartAt is the end of this identity's startup stagger window.
	StartAt    time.Time
	Interval   time.Duration
	RetryDelay time.Duration
	// Enabled gates non-basic resources; basic ones follow the identity's
	// monitored flag alone.
	Enabled bool
	Forced  bool
}

// Status is a snapshot of a monitor's state.
type Status struct {
	Resource   string
	Enabled    bool
	Forced     bool
	Updating   bool
	LastUpdate time.Time
	LastStatus int
	LastError  error
	Validator  Validator
}

// Monitor is the recurring fetch of one resource for one identity.
type Monitor struct {
	identityID int64
	desc       esi.Descriptor
	handler    Handler
	deps       Deps
	logger     zerolog.Logger
	startAt    time.Time
	interval   time.Duration
	retryDelay time.Duration
	group      *Group

	updating atomic.Bool
	wg       sync.WaitGroup

	mu          sync.Mutex
	enabled     bool
	forced      bool
	validator   Validator
	lastUpdate  time.Time
	nextAttempt time.Time
	lastStatus  int
	lastErr     error
	// retired is set once the identity's monitors are destroyed; a fetch
	// still in flight then drops its result.
	retired bool
}

// NewMonitor binds identityID and desc. deps must carry a registry,
// requester and tracker.
func NewMonitor(identityID int64, desc esi.Descriptor, h Handler, deps Deps, s Settings) (*Monitor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("monitor %s: handler is required", desc.Name)
	}
	if s.Interval <= 0 {
		s.Interval = desc.Interval
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	deps = deps.withDefaults()

	return &Monitor{
		identityID: identityID,
		desc:       desc,
		handler:    h,
		deps:       deps,
		logger: deps.Logger.With().
			Str("component", "monitor").
			Int64("identity_id", identityID).
			Str("resource", desc.Name).
			Logger(),
		startAt:    s.StartAt,
		interval:   s.Interval,
		retryDelay: s.RetryDelay,
		enabled:    s.Enabled,
		forced:     s.Forced,
	}, nil
}

// IdentityID returns the bound identity.
func (m *Monitor) IdentityID() int64 { return m.identityID }

// Resource returns the bound descriptor.
func (m *Monitor) Resource() esi.Descriptor { return m.desc }

// IsUpdating reports whether a fetch is in flight.
func (m *Monitor) IsUpdating() bool { return m.updating.Load() }

// SetEnabled toggles a non-basic resource.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// ForceUpdate makes the next tick fetch regardless of interval, expiry or
// a pending retry delay.
func (m *Monitor) ForceUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = true
	m.nextAttempt = time.Time{}
}

// Enabled reports whether the monitor may fetch.
func (m *Monitor) Enabled() bool {
	ident, ok := m.deps.Registry.Get(m.identityID)
	if !ok || !ident.Monitored() {
		return false
	}
	if m.desc.Basic {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Status returns a snapshot.
func (m *Monitor) Status() Status {
	enabled := m.Enabled()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Resource:   m.desc.Name,
		Enabled:    enabled,
		Forced:     m.forced,
		Updating:   m.updating.Load(),
		LastUpdate: m.lastUpdate,
		LastStatus: m.lastStatus,
		LastError:  m.lastErr,
		Validator:  m.validator,
	}
}

// Tick starts a fetch when the monitor is past its stagger window,
// enabled, due, idle and the error budget allows it. It never blocks on
// the remote and reports whether a fetch was started.
func (m *Monitor) Tick(ctx context.Context, now time.Time) bool {
	if now.Before(m.startAt) {
		return false
	}
	if m.updating.Load() || !m.Enabled() || !m.due(now) {
		return false
	}
	if m.deps.Tracker.IsThrottled() {
		return false
	}
	if !m.updating.CompareAndSwap(false, true) {
		return false
	}
	if m.group != nil {
		m.group.started()
	}

	m.wg.Add(1)
	go m.fetch(ctx)
	return true
}

// Wait blocks until the in-flight fetch, if any, has settled.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Before(m.nextAttempt) {
		return false
	}
	if m.forced {
		return true
	}
	next := m.validator.Expires
	if !m.lastUpdate.IsZero() {
		if byInterval := m.lastUpdate.Add(m.interval); byInterval.After(next) {
			next = byInterval
		}
	}
	return !now.Before(next)
}

func (m *Monitor) fetch(ctx context.Context) {
	defer m.wg.Done()

	ctx, span := otel.Tracer("esiwatch.monitor").Start(ctx, "monitor.fetch",
		trace.WithAttributes(
			attribute.Int64("identity.id", m.identityID),
			attribute.String("esi.resource", m.desc.Name),
		))
	defer span.End()

	updated := false
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Ctx(ctx).Interface("panic", r).Msg("monitor fetch panicked")
			m.fail(ctx, m.deps.Now(), 0, fmt.Errorf("panic: %v", r))
			updated = false
		}
		m.updating.Store(false)
		if m.group != nil {
			m.group.settled(updated)
		} else if updated {
			m.publish(notify.KindDataUpdated, "")
		}
	}()

	updated = m.fetchOnce(ctx)
}

// fetchOnce performs one request and reports whether the model changed.
func (m *Monitor) fetchOnce(ctx context.Context) bool {
	ident, ok := m.deps.Registry.Get(m.identityID)
	if !ok {
		return false
	}

	var tok *oauth2.Token
	if m.desc.Capability != identity.CapPublic {
		cred := ident.CredentialFor(m.desc.Capability)
		if cred == nil {
			m.fail(ctx, m.deps.Now(), 0, errNoCredential)
			return false
		}
		var err error
		if tok, err = cred.Token(ctx); err != nil {
			m.fail(ctx, m.deps.Now(), 0, err)
			return false
		}
	}

	m.mu.Lock()
	etag := m.validator.ETag
	m.mu.Unlock()

	start := m.deps.Now()
	res, err := m.deps.Requester.Do(ctx, esi.Request{
		Resource: m.desc,
		Token:    tok,
		Params:   map[string]string{"character_id": strconv.FormatInt(m.identityID, 10)},
		ETag:     etag,
	})
	now := m.deps.Now()
	if !m.active() {
		m.logger.Debug().Ctx(ctx).Msg("identity removed during fetch, dropping result")
		return false
	}
	if err != nil {
		m.deps.Metrics.recordFetch(ctx, m.desc.Name, "error", now.Sub(start))
		m.fail(ctx, now, 0, err)
		return false
	}
	m.deps.Metrics.recordFetch(ctx, m.desc.Name, strconv.Itoa(res.Status), now.Sub(start))

	switch {
	case res.OK():
		apply, err := m.handler.Decode(m.identityID, res.Data)
		if err != nil {
			m.fail(ctx, now, res.Status, err)
			return false
		}
		m.apply(apply)
		m.succeed(ctx, now, res.Status, Validator{ETag: res.ETag, Expires: res.Expires})
		return true

	case res.NotModified():
		if res.ETag != "" {
			etag = res.ETag
		}
		m.succeed(ctx, now, res.Status, Validator{ETag: etag, Expires: res.Expires})
		return false

	case res.Status == http.StatusNotFound:
		apply, err := m.handler.Decode(m.identityID, nil)
		if err != nil {
			m.fail(ctx, now, res.Status, err)
			return false
		}
		m.apply(apply)
		m.succeed(ctx, now, res.Status, Validator{})
		return true

	case res.Status == http.StatusForbidden:
		m.mu.Lock()
		repeated := m.lastStatus == http.StatusForbidden
		m.mu.Unlock()
		if !repeated {
			m.publish(notify.KindAuthorizationFailed, res.ErrorMessage)
		}
		m.fail(ctx, now, res.Status, res.Err())
		return false

	default:
		m.fail(ctx, now, res.Status, res.Err())
		return false
	}
}

// active reports whether the identity is still registered and the
// monitor has not been retired.
func (m *Monitor) active() bool {
	if _, ok := m.deps.Registry.Get(m.identityID); !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.retired
}

// retire stops the monitor from applying or persisting anything further.
// A validator save racing with retire either completes first or is
// skipped.
func (m *Monitor) retire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = true
}

func (m *Monitor) apply(fn func()) {
	if fn == nil {
		return
	}
	m.deps.Poster.Post(func() {
		if m.active() {
			fn()
		}
	})
}

func (m *Monitor) succeed(ctx context.Context, now time.Time, status int, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return
	}
	m.validator = v
	m.lastUpdate = now
	m.lastStatus = status
	m.lastErr = nil
	m.forced = false
	m.nextAttempt = time.Time{}

	if m.deps.Validators == nil {
		return
	}
	if _, ok := m.deps.Registry.Get(m.identityID); !ok {
		return
	}
	if err := m.deps.Validators.SaveValidator(m.identityID, m.desc.Name, v); err != nil {
		m.logger.Warn().Ctx(ctx).Err(err).Msg("failed to persist cache validator")
	}
}

// fail records a failed fetch. The validator and the force flag are kept;
// the next attempt waits for the retry delay.
func (m *Monitor) fail(ctx context.Context, now time.Time, status int, err error) {
	m.mu.Lock()
	m.lastStatus = status
	m.lastErr = err
	m.nextAttempt = now.Add(m.retryDelay)
	m.mu.Unlock()

	event := m.logger.Debug()
	if status == http.StatusForbidden {
		event = m.logger.Warn()
	}
	event.Ctx(ctx).Err(err).Int("status", status).Msg("fetch failed, will retry")
}

func (m *Monitor) publish(kind notify.Kind, message string) {
	if m.deps.Publisher == nil {
		return
	}
	m.deps.Publisher.Publish(notify.Notification{
		Kind:       kind,
		IdentityID: m.identityID,
		Resource:   m.desc.Name,
		Message:    message,
	})
}

// restore applies a persisted validator before the first fetch.
func (m *Monitor) restore(v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validator = v
}
