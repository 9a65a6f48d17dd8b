package station

import (
	"context"
	"errors"
	"net/http"
	"strings"
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
	"github.com/yairfalse/esiwatch/internal/structure"
)

const keepstarID int64 = 1000000000001

// memStore is an in-memory Store counting saves.
type memStore struct {
	mu      sync.Mutex
	entries []structure.Structure
	saves   int
	err     error
	// saveErr fails saves only; loadFails fails that many loads first.
	saveErr   error
	loadFails int
}

func (s *memStore) LoadCache(context.Context) ([]structure.Structure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadFails > 0 {
		s.loadFails--
		return nil, errors.New("store busy")
	}
	return append([]structure.Structure(nil), s.entries...), s.err
}

func (s *memStore) SaveCache(_ context.Context, entries []structure.Structure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.entries = append([]structure.Structure(nil), entries...)
	s.saves++
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// fakeLookups is a Lookups with a hand-driven cache.
type fakeLookups struct {
	mu       sync.Mutex
	cache    map[int64]structure.Structure
	revision uint64
	lookups  int
}

func newFakeLookups() *fakeLookups {
	return &fakeLookups{cache: make(map[int64]structure.Structure)}
}

func (f *fakeLookups) add(st structure.Structure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[st.ID] = st
	f.revision++
}

func (f *fakeLookups) Lookup(id int64, _ *identity.Identity) (*structure.Structure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	st, ok := f.cache[id]
	return &st, ok
}

func (f *fakeLookups) LookupAsync(_ context.Context, id int64, r *identity.Identity) (*structure.Structure, error) {
	if st, ok := f.Lookup(id, r); ok {
		return st, nil
	}
	return nil, nil
}

func (f *fakeLookups) ImportCache(entries []structure.Structure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.cache[e.ID] = e
	}
}

func (f *fakeLookups) ExportCache() []structure.Structure {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]structure.Structure, 0, len(f.cache))
	for _, st := range f.cache {
		out = append(out, st)
	}
	return out
}

func (f *fakeLookups) Revision() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revision
}

func (f *fakeLookups) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}

func TestIsDynamic(t *testing.T) {
	assert.False(t, IsDynamic(60003760))
	assert.False(t, IsDynamic(2147483647))
	assert.True(t, IsDynamic(2147483648))
	assert.True(t, IsDynamic(keepstarID))
}

func TestBundledStatic(t *testing.T) {
	table, err := BundledStatic()
	require.NoError(t, err)

	jita, ok := table[60003760]
	require.True(t, ok)
	assert.Equal(t, "Jita IV - Moon 4 - Caldari Navy Assembly Plant", jita.Name)
	assert.Equal(t, int64(30000142), jita.SolarSystemID)
	assert.True(t, jita.Static)
}

func TestReadStatic_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing name":    "stations:\n  - id: 60000001\n",
		"structure range": "stations:\n  - id: 1000000000001\n    name: Fake\n",
		"not yaml":        "stations: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadStatic(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestStaticTable_Merge(t *testing.T) {
	base := StaticTable{1: {ID: 1, Name: "A"}, 2: {ID: 2, Name: "B"}}
	merged := base.Merge(StaticTable{2: {ID: 2, Name: "B2"}, 3: {ID: 3, Name: "C"}})

	assert.Len(t, merged, 3)
	assert.Equal(t, "B2", merged[2].Name)
	assert.Equal(t, "B", base[2].Name)
}

func TestResolve(t *testing.T) {
	lookups := newFakeLookups()
	lookups.add(structure.Structure{ID: keepstarID + 1, Name: "Known Fortizar", SolarSystemID: 30000142})
	f, err := New(Config{}, lookups, nil, zerolog.Nop())
	require.NoError(t, err)

	st := f.Resolve(60003760, nil)
	require.NotNil(t, st)
	assert.True(t, st.Static)
	assert.Zero(t, lookups.lookups, "static stations never reach the service")

	assert.Nil(t, f.Resolve(60999999, nil), "unknown NPC station")

	st = f.Resolve(keepstarID+1, nil)
	require.NotNil(t, st)
	assert.Equal(t, "Known Fortizar", st.Name)
	assert.False(t, st.Inaccessible)

	st = f.Resolve(keepstarID, nil)
	require.NotNil(t, st)
	assert.Equal(t, UnknownName, st.Name)
	assert.True(t, st.Inaccessible)
}

func TestResolveAsync(t *testing.T) {
	lookups := newFakeLookups()
	lookups.add(structure.Structure{ID: keepstarID, Name: "Jita IV Keepstar"})
	f, err := New(Config{}, lookups, nil, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	st, err := f.ResolveAsync(ctx, 60003760, nil)
	require.NoError(t, err)
	assert.True(t, st.Static)

	st, err = f.ResolveAsync(ctx, keepstarID, nil)
	require.NoError(t, err)
	assert.Equal(t, "Jita IV Keepstar", st.Name)

	st, err = f.ResolveAsync(ctx, keepstarID+5, nil)
	assert.NoError(t, err)
	assert.Nil(t, st)
}

func TestLoad_Idempotent(t *testing.T) {
	store := &memStore{entries: []structure.Structure{{ID: keepstarID, Name: "Persisted"}}}
	lookups := newFakeLookups()
	f, err := New(Config{}, lookups, store, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, f.Load(ctx))
	assert.Equal(t, 1, lookups.Len())
	assert.False(t, f.Dirty(), "loaded entries are not unsaved changes")

	store.entries = append(store.entries, structure.Structure{ID: keepstarID + 1, Name: "Late"})
	require.NoError(t, f.Load(ctx))
	assert.Equal(t, 1, lookups.Len())
}

func TestLoad_MergesIntoPopulatedCache(t *testing.T) {
	store := &memStore{entries: []structure.Structure{
		{ID: 1, Name: "Persisted"},
		{ID: 2, Name: "Stale"},
	}}
	lookups := newFakeLookups()
	lookups.add(structure.Structure{ID: 2, Name: "Live"})
	f, err := New(Config{}, lookups, store, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, f.Load(context.Background()))
	assert.Equal(t, 2, lookups.Len())
	st, ok := lookups.Lookup(2, nil)
	require.True(t, ok)
	assert.Equal(t, "Live", st.Name)
	assert.True(t, f.Dirty(), "live entry is not persisted yet")
}

func TestLoad_Error(t *testing.T) {
	store := &memStore{err: errors.New("disk gone")}
	f, err := New(Config{}, newFakeLookups(), store, zerolog.Nop())
	require.NoError(t, err)

	assert.Error(t, f.Load(context.Background()))
}

func TestTick_Debounce(t *testing.T) {
	store := &memStore{}
	lookups := newFakeLookups()
	f, err := New(Config{}, lookups, store, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	saved, err := f.Tick(ctx, start)
	require.NoError(t, err)
	assert.False(t, saved, "nothing to save")

	lookups.add(structure.Structure{ID: 1, Name: "A"})
	saved, err = f.Tick(ctx, start)
	require.NoError(t, err)
	assert.True(t, saved)

	lookups.add(structure.Structure{ID: 2, Name: "B"})
	saved, _ = f.Tick(ctx, start.Add(9*time.Second))
	assert.False(t, saved, "within debounce window")
	assert.True(t, f.Dirty())

	saved, _ = f.Tick(ctx, start.Add(10*time.Second))
	assert.True(t, saved)
	assert.Equal(t, 2, store.saveCount())
	assert.Len(t, store.entries, 2)
	assert.False(t, f.Dirty())
}

func TestTick_SaveErrorKeepsDirty(t *testing.T) {
	store := &memStore{saveErr: errors.New("read-only")}
	lookups := newFakeLookups()
	lookups.add(structure.Structure{ID: 1, Name: "A"})
	f, err := New(Config{}, lookups, store, zerolog.Nop())
	require.NoError(t, err)

	saved, err := f.Tick(context.Background(), time.Now())
	assert.Error(t, err)
	assert.False(t, saved)
	assert.True(t, f.Dirty())
}

func TestTick_FailedLoadNeverOverwritesStore(t *testing.T) {
	store := &memStore{
		entries: []structure.Structure{
			{ID: 1, Name: "Persisted A"},
			{ID: 2, Name: "Persisted B"},
		},
		loadFails: 1,
	}
	lookups := newFakeLookups()
	f, err := New(Config{}, lookups, store, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.Error(t, f.Load(ctx))
	lookups.add(structure.Structure{ID: 3, Name: "Fresh"})

	saved, err := f.Tick(ctx, start)
	assert.NoError(t, err)
	assert.True(t, saved, "the load is retried before saving")
	assert.Len(t, store.entries, 3)
	assert.Equal(t, 1, store.saveCount())
	assert.False(t, f.Dirty())
}

func TestTick_LoadErrorSkipsSave(t *testing.T) {
	store := &memStore{
		entries:   []structure.Structure{{ID: 1, Name: "Persisted"}},
		loadFails: 2,
	}
	lookups := newFakeLookups()
	f, err := New(Config{}, lookups, store, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.Error(t, f.Load(ctx))
	lookups.add(structure.Structure{ID: 2, Name: "Fresh"})

	saved, err := f.Tick(ctx, start)
	assert.Error(t, err)
	assert.False(t, saved)
	assert.Equal(t, 0, store.saveCount())
	assert.Len(t, store.entries, 1, "stored entries survive")
	assert.True(t, f.Dirty())

	saved, err = f.Tick(ctx, start.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Len(t, store.entries, 2)
}

func TestRun_FlushesOnShutdown(t *testing.T) {
	store := &memStore{}
	lookups := newFakeLookups()
	f, err := New(Config{Tick: time.Hour}, lookups, store, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	lookups.add(structure.Structure{ID: 1, Name: "A"})
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, store.saveCount())
}

// keepstarRemote answers the structure resource by access token.
type keepstarRemote struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *keepstarRemote) Do(_ context.Context, req esi.Request) (*esi.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := req.Token.AccessToken
	r.calls[tok]++
	switch tok {
	case "token-c":
		return &esi.Result{
			Status: http.StatusOK,
			Data:   []byte(`{"name":"Jita IV Keepstar","solar_system_id":30000142,"type_id":35834,"owner_id":98000001}`),
		}, nil
	default:
		return &esi.Result{Status: http.StatusForbidden, ErrorMessage: "Forbidden"}, nil
	}
}

func (r *keepstarRemote) count(tok string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[tok]
}

func TestFacade_KeepstarScenario(t *testing.T) {
	valid := time.Now().Add(time.Hour)
	structures := identity.NewCapabilitySet(identity.CapStructureInfo)

	registry := identity.NewRegistry()
	require.NoError(t, registry.Add(identity.New(1, "A",
		identity.NewCredential(&oauth2.Token{AccessToken: "token-a", Expiry: valid}, identity.NewCapabilitySet(identity.CapSkills)),
	), true))
	require.NoError(t, registry.Add(identity.New(2, "B",
		identity.NewCredential(&oauth2.Token{AccessToken: "token-b", Expiry: valid}, structures),
	), true))
	require.NoError(t, registry.Add(identity.New(3, "C",
		identity.NewCredential(&oauth2.Token{AccessToken: "token-c", Expiry: valid}, structures),
	), true))

	remote := &keepstarRemote{calls: make(map[string]int)}
	svc, err := structure.NewService(structure.Config{}, remote, registry, budget.NewTracker(budget.Config{}), zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	store := &memStore{}
	f, err := New(Config{}, svc, store, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, f.Load(context.Background()))

	first := f.Resolve(keepstarID, nil)
	require.NotNil(t, first)
	assert.True(t, first.Inaccessible)
	assert.Equal(t, UnknownName, first.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resolved, err := f.ResolveAsync(ctx, keepstarID, nil)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "Jita IV Keepstar", resolved.Name)

	again := f.Resolve(keepstarID, nil)
	assert.Equal(t, "Jita IV Keepstar", again.Name)
	assert.False(t, again.Inaccessible)

	assert.Zero(t, remote.count("token-a"))
	assert.Equal(t, 1, remote.count("token-b"))
	assert.Equal(t, 1, remote.count("token-c"))

	saved, err := f.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, saved)
	require.Len(t, store.entries, 1)
	assert.Equal(t, keepstarID, store.entries[0].ID)
	assert.Equal(t, "Jita IV Keepstar", store.entries[0].Name)
}
