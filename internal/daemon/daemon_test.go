package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/yairfalse/esiwatch/internal/config"
	"github.com/yairfalse/esiwatch/internal/esi"
	"github.com/yairfalse/esiwatch/internal/identity"
)

const keepstarID int64 = 1000000000001

// fakeESI answers every resource with a canned payload.
type fakeESI struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeESI) Do(_ context.Context, req esi.Request) (*esi.Result, error) {
	f.mu.Lock()
	f.calls[req.Resource.Name]++
	f.mu.Unlock()

	switch req.Resource.ID {
	case esi.CitadelInfo:
		return &esi.Result{Status: http.StatusOK, Data: []byte(`{"name":"Jita IV Keepstar","solar_system_id":30000142}`)}, nil
	case esi.SkillQueue:
		return &esi.Result{Status: http.StatusOK, Data: []byte(`[{"skill_id":3300,"finished_level":5,"queue_position":0,"finish_date":"2030-01-01T00:00:00Z"}]`)}, nil
	case esi.Attributes:
		return &esi.Result{Status: http.StatusOK, Data: []byte(`{"charisma":17,"intelligence":20,"memory":20,"perception":27,"willpower":21}`)}, nil
	case esi.Location:
		return &esi.Result{Status: http.StatusOK, Data: []byte(`{"solar_system_id":30000142,"structure_id":1000000000001}`)}, nil
	case esi.Assets:
		return &esi.Result{Status: http.StatusOK, Data: []byte(`[
			{"item_id":1,"location_id":1000000000002,"location_type":"item","location_flag":"Hangar"},
			{"item_id":2,"location_id":60003760,"location_type":"station","location_flag":"Hangar"},
			{"item_id":3,"location_id":1,"location_type":"item","location_flag":"Cargo"}
		]`)}, nil
	default:
		return &esi.Result{Status: http.StatusOK, Data: []byte(`{}`)}, nil
	}
}

func (f *fakeESI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "esiwatch.db")
	cfg.Monitor.Tick = config.Duration(10 * time.Millisecond)
	cfg.Monitor.StaggerPerIdentity = config.Duration(time.Nanosecond)
	cfg.Monitor.StaggerJitter = config.Duration(time.Nanosecond)
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Identities = []config.IdentityConfig{
		{
			ID:          90000001,
			Name:        "Pilot",
			AccessToken: "token",
			Scopes: []string{
				string(identity.CapStructureInfo),
				string(identity.CapSkills),
				string(identity.CapSkillQueue),
			},
		},
	}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *fakeESI) {
	t.Helper()
	remote := &fakeESI{calls: make(map[string]int)}
	d, err := New(context.Background(), cfg, zerolog.Nop(), WithRequester(remote))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, remote
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lookup.Concurrency = 0

	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_BuildsGraph(t *testing.T) {
	cfg := testConfig(t)
	monitored := false
	cfg.Identities = append(cfg.Identities, config.IdentityConfig{ID: 90000002, Monitored: &monitored})

	d, _ := newTestDaemon(t, cfg)

	assert.Equal(t, 2, d.Registry().Len())
	second, ok := d.Registry().Get(90000002)
	require.True(t, ok)
	assert.False(t, second.Monitored())
	assert.Empty(t, second.Credentials())

	d.Scheduler().Attach()
	assert.Len(t, d.Scheduler().Monitors(90000001), len(polledResources(nil)))
	assert.Equal(t, cfg.Storage.Path, d.Store().Path())
}

func TestNew_DuplicateIdentity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Identities = append(cfg.Identities, cfg.Identities[0])

	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestPolledResources(t *testing.T) {
	all := polledResources(nil)
	for _, d := range all {
		assert.NotEqual(t, esi.CitadelInfo, d.ID)
	}
	assert.Len(t, all, len(esi.Resources())-1)

	some := polledResources([]string{"skill_queue", "attributes"})
	require.Len(t, some, 2)
	assert.Equal(t, esi.SkillQueue, some[0].ID)
}

func TestRun_PollsAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.Resources = []string{"skill_queue", "attributes"}
	d, remote := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, okQueue := d.SkillQueues().Get(90000001)
		_, okAttrs := d.Attributes().Get(90000001)
		return okQueue && okAttrs
	}, 5*time.Second, 10*time.Millisecond)

	q, _ := d.SkillQueues().Get(90000001)
	assert.Len(t, q.Entries, 1)
	attrs, _ := d.Attributes().Get(90000001)
	assert.Equal(t, 27, attrs.Perception)
	assert.GreaterOrEqual(t, remote.count("skill_queue"), 1)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRun_ServesHealthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Monitor.Resources = []string{"skill_queue"}
	d, _ := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(ctx, 5*time.Second)
	defer addrCancel()
	addr, err := d.MetricsAddr(addrCtx)
	require.NoError(t, err)

	var health HealthStatus
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Identities)
	assert.Nil(t, health.BudgetRemaining)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "esiwatch_identities")

	resp, err = http.Get("http://" + addr + "/-/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}

func TestHealth_DegradedWhenThrottled(t *testing.T) {
	d, _ := newTestDaemon(t, testConfig(t))

	d.tracker.RecordBudget(3, time.Now().Add(time.Minute))
	h := d.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.True(t, h.Throttled)
	require.NotNil(t, h.BudgetRemaining)
	assert.Equal(t, 3, *h.BudgetRemaining)
}

func TestResolve_PersistsStructure(t *testing.T) {
	d, remote := newTestDaemon(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := d.Resolve(ctx, keepstarID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "Jita IV Keepstar", st.Name)
	assert.Equal(t, 1, remote.count("citadel_info"))

	saved, err := d.Store().LoadCache(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, keepstarID, saved[0].ID)

	static, err := d.Resolve(ctx, 60003760)
	require.NoError(t, err)
	assert.True(t, static.Static)
	assert.Equal(t, 1, remote.count("citadel_info"))
}

func TestBuildIdentity(t *testing.T) {
	ctx := context.Background()
	scopes := []string{string(identity.CapSkills)}

	public := buildIdentity(ctx, config.IdentityConfig{ID: 1}, nil)
	assert.Equal(t, "1", public.Name)
	assert.Empty(t, public.Credentials())

	static := buildIdentity(ctx, config.IdentityConfig{ID: 2, Name: "Two", AccessToken: "a", Scopes: scopes}, nil)
	require.Len(t, static.Credentials(), 1)
	assert.True(t, static.HasCapability(identity.CapSkills))
	assert.False(t, static.HasCapability(identity.CapWallet))
	tok, err := static.Credentials()[0].Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	oauthCfg := &oauth2.Config{ClientID: "app", Endpoint: oauth2.Endpoint{TokenURL: "http://127.0.0.1:1/token"}}
	refreshing := buildIdentity(ctx, config.IdentityConfig{
		ID: 3, AccessToken: "b", RefreshToken: "r", Expiry: time.Now().Add(time.Hour), Scopes: scopes,
	}, oauthCfg)
	require.Len(t, refreshing.Credentials(), 1)
	tok, err = refreshing.Credentials()[0].Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", tok.AccessToken, "unexpired token is reused without a refresh")
}

func TestSSOConfig(t *testing.T) {
	assert.Nil(t, ssoConfig(config.SSOConfig{TokenURL: "x"}))

	c := ssoConfig(config.SSOConfig{ClientID: "app", ClientSecret: "s", TokenURL: "https://sso/token"})
	require.NotNil(t, c)
	assert.Equal(t, "https://sso/token", c.Endpoint.TokenURL)
}
