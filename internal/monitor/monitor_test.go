package monitor

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/yairfalse/esiwatch/internal/budget"
	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/identity"
	"github.com/yairfalse/esiwatch/internal/notify"
)

const pilotID int64 = 90000001

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeESI answers per resource name from a FIFO of scripted results; the
// last result repeats.
type fakeESI struct {
	mu       sync.Mutex
	scripts  map[string][]*esi.Result
	requests []esi.Request
	gate     chan struct{}
	// entered, when set, receives one value per request before the gate.
	entered chan struct{}
}

func newFakeESI() *fakeESI {
	return &fakeESI{scripts: make(map[string][]*esi.Result)}
}

func (f *fakeESI) script(resource string, results ...*esi.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[resource] = append(f.scripts[resource], results...)
}

func (f *fakeESI) Do(ctx context.Context, req esi.Request) (*esi.Result, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	queue := f.scripts[req.Resource.Name]
	if len(queue) == 0 {
		return &esi.Result{Status: http.StatusOK, Data: []byte(`{}`)}, nil
	}
	res := queue[0]
	if len(queue) > 1 {
		f.scripts[req.Resource.Name] = queue[1:]
	}
	return res, nil
}

func (f *fakeESI) requestsFor(resource string) []esi.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []esi.Request
	for _, r := range f.requests {
		if r.Resource.Name == resource {
			out = append(out, r)
		}
	}
	return out
}

// captureHandler records decoded payloads.
type captureHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	applied  int
}

func (h *captureHandler) Decode(_ int64, data []byte) (func(), error) {
	h.mu.Lock()
	h.payloads = append(h.payloads, data)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		h.applied++
		h.mu.Unlock()
	}, nil
}

func (h *captureHandler) snapshot() ([][]byte, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.payloads...), h.applied
}

type fixture struct {
	clock    *clock
	registry *identity.Registry
	remote   *fakeESI
	tracker  *budget.Tracker
	recorder *notify.Recorder
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newClock()
	f := &fixture{
		clock:    c,
		registry: identity.NewRegistry(),
		remote:   newFakeESI(),
		tracker:  budget.NewTracker(budget.Config{}, budget.WithClock(c.Now)),
		recorder: &notify.Recorder{},
	}
	f.deps = Deps{
		Registry:  f.registry,
		Requester: f.remote,
		Tracker:   f.tracker,
		Publisher: f.recorder,
		Logger:    zerolog.Nop(),
		Now:       c.Now,
	}
	return f
}

func (f *fixture) addPilot(t *testing.T, monitored bool) {
	t.Helper()
	tok := &oauth2.Token{AccessToken: "pilot-token", Expiry: time.Now().Add(24 * time.Hour)}
	cred := identity.NewCredential(tok, identity.NewCapabilitySet(
		identity.CapSkills, identity.CapSkillQueue, identity.CapImplants, identity.CapWallet,
	))
	require.NoError(t, f.registry.Add(identity.New(pilotID, "Pilot", cred), monitored))
}

func (f *fixture) monitor(t *testing.T, id esi.ResourceID, h Handler, s Settings) *Monitor {
	t.Helper()
	m, err := NewMonitor(pilotID, esi.MustLookup(id), h, f.deps, s)
	require.NoError(t, err)
	return m
}

func tickAndWait(m *Monitor, now time.Time) bool {
	started := m.Tick(context.Background(), now)
	m.Wait()
	return started
}

func TestStagger(t *testing.T) {
	fixed := func(time.Duration) time.Duration { return time.Second }

	assert.Equal(t, time.Second, Stagger(0, 5*time.Second, 2*time.Second, fixed))
	assert.Equal(t, 11*time.Second, Stagger(2, 5*time.Second, 2*time.Second, fixed))
	assert.Equal(t, 10*time.Second, Stagger(2, 5*time.Second, 0, fixed))

	for i := 0; i < 100; i++ {
		d := Stagger(1, time.Second, 500*time.Millisecond, randomJitter)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestNewMonitor_RequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	desc := esi.MustLookup(esi.SkillQueue)

	_, err := NewMonitor(pilotID, desc, &captureHandler{}, Deps{}, Settings{})
	assert.Error(t, err)

	_, err = NewMonitor(pilotID, desc, nil, f.deps, Settings{})
	assert.Error(t, err)
}

func TestMonitor_WaitsForStaggerWindow(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	start := f.clock.Now().Add(10 * time.Second)
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{StartAt: start})

	assert.False(t, tickAndWait(m, f.clock.Advance(5*time.Second)))
	assert.True(t, tickAndWait(m, f.clock.Advance(5*time.Second)))
}

func TestMonitor_OKAppliesAndKeepsValidator(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	expires := f.clock.Now().Add(2 * time.Minute)
	f.remote.script("skill_queue", &esi.Result{
		Status:  http.StatusOK,
		Data:    []byte(`[{"skill_id":3300}]`),
		ETag:    `"v1"`,
		Expires: expires,
	})
	h := &captureHandler{}
	m := f.monitor(t, esi.SkillQueue, h, Settings{})

	require.True(t, tickAndWait(m, f.clock.Now()))

	payloads, applied := h.snapshot()
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `[{"skill_id":3300}]`, string(payloads[0]))
	assert.Equal(t, 1, applied)

	st := m.Status()
	assert.Equal(t, `"v1"`, st.Validator.ETag)
	assert.Equal(t, expires, st.Validator.Expires)
	assert.Equal(t, http.StatusOK, st.LastStatus)
	assert.False(t, st.Updating)
	assert.Equal(t, 1, f.recorder.Count(notify.KindDataUpdated))

	reqs := f.remote.requestsFor("skill_queue")
	require.Len(t, reqs, 1)
	assert.Equal(t, "pilot-token", reqs[0].Token.AccessToken)
	assert.Equal(t, "90000001", reqs[0].Params["character_id"])
}

func TestMonitor_NotModifiedKeepsDataAndRefreshesExpiry(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	first := f.clock.Now().Add(time.Minute)
	f.remote.script("skill_queue",
		&esi.Result{Status: http.StatusOK, Data: []byte(`[]`), ETag: `"v1"`, Expires: first},
		&esi.Result{Status: http.StatusNotModified, Expires: first.Add(5 * time.Minute)},
	)
	h := &captureHandler{}
	m := f.monitor(t, esi.SkillQueue, h, Settings{Interval: time.Minute})

	require.True(t, tickAndWait(m, f.clock.Now()))
	require.True(t, tickAndWait(m, f.clock.Advance(time.Minute)))

	payloads, _ := h.snapshot()
	assert.Len(t, payloads, 1)

	st := m.Status()
	assert.Equal(t, `"v1"`, st.Validator.ETag)
	assert.Equal(t, first.Add(5*time.Minute), st.Validator.Expires)
	assert.Equal(t, 1, f.recorder.Count(notify.KindDataUpdated))

	reqs := f.remote.requestsFor("skill_queue")
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].ETag)
	assert.Equal(t, `"v1"`, reqs[1].ETag)
}

func TestMonitor_NotFoundYieldsEmptyResult(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	f.remote.script("implants", &esi.Result{Status: http.StatusNotFound})
	h := &captureHandler{}
	m := f.monitor(t, esi.Implants, h, Settings{})

	require.True(t, tickAndWait(m, f.clock.Now()))

	payloads, applied := h.snapshot()
	require.Len(t, payloads, 1)
	assert.Nil(t, payloads[0])
	assert.Equal(t, 1, applied)
	assert.NoError(t, m.Status().LastError)
}

func TestMonitor_ForbiddenNotifiesOnceAndStaysEnabled(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	f.remote.script("skill_queue", &esi.Result{Status: http.StatusForbidden, ErrorMessage: "token is not valid for scope"})
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{RetryDelay: 10 * time.Second})

	require.True(t, tickAndWait(m, f.clock.Now()))
	require.True(t, tickAndWait(m, f.clock.Advance(10*time.Second)))

	all := f.recorder.All()
	require.Len(t, all, 1)
	assert.Equal(t, notify.KindAuthorizationFailed, all[0].Kind)
	assert.Equal(t, "skill_queue", all[0].Resource)
	assert.Equal(t, "token is not valid for scope", all[0].Message)

	st := m.Status()
	assert.True(t, st.Enabled)
	assert.ErrorIs(t, st.LastError, esi.ErrForbidden)
}

func TestMonitor_ForceUpdatePolicy(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	f.remote.script("skill_queue",
		&esi.Result{Status: http.StatusBadGateway},
		&esi.Result{Status: http.StatusOK, Data: []byte(`[]`)},
	)
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{
		Interval:   time.Hour,
		RetryDelay: 30 * time.Second,
		Forced:     true,
	})

	require.True(t, tickAndWait(m, f.clock.Now()))
	assert.True(t, m.Status().Forced, "failed forced fetch stays forced")

	assert.False(t, tickAndWait(m, f.clock.Advance(time.Second)), "retry delay applies")
	require.True(t, tickAndWait(m, f.clock.Advance(30*time.Second)))
	assert.False(t, m.Status().Forced)

	assert.False(t, tickAndWait(m, f.clock.Advance(time.Minute)), "interval applies after success")
	m.ForceUpdate()
	assert.True(t, tickAndWait(m, f.clock.Now()))
}

func TestMonitor_ForceUpdateOverridesRetryDelay(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	f.remote.script("skill_queue", &esi.Result{Status: http.StatusInternalServerError})
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{RetryDelay: time.Hour})

	require.True(t, tickAndWait(m, f.clock.Now()))
	assert.False(t, tickAndWait(m, f.clock.Advance(time.Second)))

	m.ForceUpdate()
	assert.True(t, tickAndWait(m, f.clock.Now()))
}

func TestMonitor_ThrottledBudgetSkipsTick(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{})

	f.tracker.RecordBudget(5, f.clock.Now().Add(30*time.Second))
	assert.False(t, tickAndWait(m, f.clock.Now()))
	assert.Empty(t, f.remote.requestsFor("skill_queue"))

	assert.True(t, tickAndWait(m, f.clock.Advance(31*time.Second)))
}

func TestMonitor_EnabledFollowsMonitoredFlag(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, false)
	basic := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{})
	extended := f.monitor(t, esi.WalletBalance, &captureHandler{}, Settings{})

	assert.False(t, basic.Enabled())
	assert.False(t, tickAndWait(basic, f.clock.Now()))

	require.NoError(t, f.registry.SetMonitored(pilotID, true))
	assert.True(t, basic.Enabled())
	assert.False(t, extended.Enabled(), "extended resources need opt-in")

	extended.SetEnabled(true)
	assert.True(t, tickAndWait(extended, f.clock.Now()))
}

func TestMonitor_MissingCredentialFailsWithoutRequest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Add(identity.New(pilotID, "Pilot"), true))
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{})

	require.True(t, tickAndWait(m, f.clock.Now()))
	assert.Empty(t, f.remote.requestsFor("skill_queue"))
	assert.ErrorIs(t, m.Status().LastError, errNoCredential)
}

func TestMonitor_TickDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	f.remote.gate = make(chan struct{})
	m := f.monitor(t, esi.SkillQueue, &captureHandler{}, Settings{})

	done := make(chan bool, 1)
	go func() { done <- m.Tick(context.Background(), f.clock.Now()) }()

	select {
	case started := <-done:
		assert.True(t, started)
	case <-time.After(2 * time.Second):
		t.Fatal("Tick blocked on the remote")
	}

	assert.True(t, m.IsUpdating())
	assert.False(t, m.Tick(context.Background(), f.clock.Now()), "one fetch in flight at a time")

	close(f.remote.gate)
	m.Wait()
	assert.False(t, m.IsUpdating())
}

func TestMonitor_IdentityRemovedDuringFetchDropsResult(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	store := newMemValidators()
	f.deps.Validators = store
	f.remote.entered = make(chan struct{}, 1)
	f.remote.gate = make(chan struct{})
	f.remote.script("skill_queue", &esi.Result{Status: http.StatusOK, Data: []byte(`[]`), ETag: `"v1"`})

	h := &captureHandler{}
	m := f.monitor(t, esi.SkillQueue, h, Settings{Forced: true})

	require.True(t, m.Tick(context.Background(), f.clock.Now()))
	<-f.remote.entered
	require.True(t, f.registry.Remove(pilotID))
	close(f.remote.gate)
	m.Wait()

	_, applied := h.snapshot()
	assert.Zero(t, applied)
	_, saved, _ := store.LoadValidator(pilotID, "skill_queue")
	assert.False(t, saved)
	assert.Zero(t, f.recorder.Count(notify.KindDataUpdated))
}

func TestMonitor_PostedApplySkippedAfterRemoval(t *testing.T) {
	f := newFixture(t)
	f.addPilot(t, true)
	var pending []func()
	f.deps.Poster = posterFunc(func(fn func()) bool {
		pending = append(pending, fn)
		return true
	})

	h := &captureHandler{}
	m := f.monitor(t, esi.SkillQueue, h, Settings{Forced: true})
	require.True(t, tickAndWait(m, f.clock.Now()))
	require.Len(t, pending, 1)

	require.True(t, f.registry.Remove(pilotID))
	pending[0]()

	_, applied := h.snapshot()
	assert.Zero(t, applied)
}

type posterFunc func(fn func()) bool

func (p posterFunc) Post(fn func()) bool { return p(fn) }
