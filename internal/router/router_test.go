package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/api"
	"mcpgate/internal/auth"
	"mcpgate/internal/config"
	"mcpgate/internal/routing"
	"mcpgate/internal/tokens"
	"mcpgate/pkg/crypto"
)

type fixture struct {
	router   *Router
	registry *routing.Registry
	breaker  *routing.Breaker
	agg      *aggregator.Aggregator
}

func newFixture(t *testing.T, servers []config.ServerConfig, loaded map[string]*api.LoadedServer, breakerCfg routing.BreakerConfig, retryPolicy routing.RetryPolicy, failover bool) *fixture {
	t.Helper()

	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	store, err := tokens.NewStore(tokens.NewMemoryBackend(), key)
	require.NoError(t, err)

	authMgr, err := auth.NewManager(&config.MasterConfig{Servers: servers}, store, http.DefaultClient)
	require.NoError(t, err)

	breaker := routing.NewBreaker(breakerCfg)
	registry := routing.NewRegistry(breaker, routing.NewBalancer(routing.StrategyRoundRobin))
	registry.UpdateServers(loaded)

	agg := aggregator.New()

	return &fixture{
		router: New(Options{
			Aggregator: agg,
			Registry:   registry,
			Breaker:    breaker,
			Retrier:    routing.NewRetrier(retryPolicy),
			Auth:       authMgr,
			Failover:   failover,
		}),
		registry: registry,
		breaker:  breaker,
		agg:      agg,
	}
}

func singleServer(id, url string, strategy config.AuthStrategy, authCfg *config.AuthConfig) ([]config.ServerConfig, map[string]*api.LoadedServer) {
	servers := []config.ServerConfig{{ID: id, Endpoint: url, AuthStrategy: strategy, AuthConfig: authCfg}}
	loaded := map[string]*api.LoadedServer{id: {
		ID:       id,
		Endpoint: url,
		Status:   api.StatusRunning,
		Instances: []api.ServerInstance{
			{ID: "default", URL: url},
		},
	}}
	return servers, loaded
}

func errorContent(t *testing.T, result *api.CallToolResult) api.ErrorContent {
	t.Helper()
	content, ok := result.Content.(api.ErrorContent)
	require.True(t, ok, "expected error content, got %T", result.Content)
	return content
}

// Happy path through bypass auth: the backend's result comes back
// verbatim and the forwarded request carries no Authorization header.
func TestCallBypassHappyPath(t *testing.T) {
	var gotAuth atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mcp/tools/call", r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))

		var req api.CallToolRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "echo", req.Name, "backend sees the original name, not the aggregated one")
		assert.Equal(t, float64(1), req.Arguments["x"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content": {"text": "1"}}`))
	}))
	t.Cleanup(backend.Close)

	servers, loaded := singleServer("S", backend.URL, config.StrategyBypassAuth, nil)
	f := newFixture(t, servers, loaded, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	result := f.router.Call(context.Background(), api.CallToolRequest{
		Name:      "S.echo",
		Arguments: map[string]any{"x": 1},
	}, "client-token")

	require.False(t, result.IsError)
	content, ok := result.Content.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", content["text"])
	assert.Equal(t, "", gotAuth.Load(), "bypass strategy forwards no credentials")
}

func TestCallNoRoute(t *testing.T) {
	f := newFixture(t, nil, nil, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	result := f.router.Call(context.Background(), api.CallToolRequest{Name: "ghost.echo"}, "tok")
	require.True(t, result.IsError)
	content := errorContent(t, result)
	assert.Equal(t, api.CodeNoRoute, content.Error)
	assert.NotEmpty(t, content.CorrelationID)

	result = f.router.Call(context.Background(), api.CallToolRequest{Name: "not-namespaced"}, "tok")
	require.True(t, result.IsError)
	assert.Equal(t, api.CodeNoRoute, errorContent(t, result).Error)
}

// Circuit opens at the failure threshold, refuses further calls with a
// retry hint, admits a probe after recovery, and closes again on enough
// successes. The backend sees exactly threshold calls before recovery.
func TestCallCircuitOpensAndRecovers(t *testing.T) {
	var calls atomic.Int64
	var healthy atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content": {"text": "ok"}}`))
	}))
	t.Cleanup(backend.Close)

	recovery := 100 * time.Millisecond
	servers, loaded := singleServer("S", backend.URL, config.StrategyBypassAuth, nil)
	f := newFixture(t, servers, loaded,
		routing.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: recovery},
		routing.RetryPolicy{MaxRetries: -1}, false)

	call := func() *api.CallToolResult {
		return f.router.Call(context.Background(), api.CallToolRequest{Name: "S.echo"}, "")
	}

	for i := 0; i < 3; i++ {
		result := call()
		require.True(t, result.IsError)
		assert.Equal(t, api.CodeHTTP5xx, errorContent(t, result).Error)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, routing.StateOpen, f.breaker.State(routing.InstanceKey("S", "default")))

	// Open circuit: refused without touching the backend.
	for i := 0; i < 2; i++ {
		result := call()
		require.True(t, result.IsError)
		content := errorContent(t, result)
		assert.Equal(t, api.CodeCircuitOpen, content.Error)
		assert.Greater(t, content.RetryAfterMs, int64(0))
		assert.LessOrEqual(t, content.RetryAfterMs, recovery.Milliseconds())
	}
	assert.Equal(t, int64(3), calls.Load(), "an open circuit never reaches the backend")

	// After recovery: one probe succeeds, a second success closes.
	healthy.Store(true)
	time.Sleep(recovery + 20*time.Millisecond)

	require.False(t, call().IsError)
	assert.Equal(t, routing.StateHalfOpen, f.breaker.State(routing.InstanceKey("S", "default")))
	require.False(t, call().IsError)
	assert.Equal(t, routing.StateClosed, f.breaker.State(routing.InstanceKey("S", "default")))
	assert.Equal(t, int64(5), calls.Load())
}

// Delegation short-circuits before any backend traffic.
func TestCallDelegation(t *testing.T) {
	var backendCalled atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalled.Store(true)
	}))
	t.Cleanup(backend.Close)

	servers, loaded := singleServer("S", backend.URL, config.StrategyDelegateOAuth, &config.AuthConfig{
		Provider:              "google",
		ClientID:              "gcid",
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		Scopes:                []string{"openid"},
	})
	f := newFixture(t, servers, loaded, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	result := f.router.Call(context.Background(), api.CallToolRequest{Name: "S.read"}, "master-token")
	require.False(t, result.IsError, "delegation is a result, not an error")

	content, ok := result.Content.(api.DelegationContent)
	require.True(t, ok)
	assert.Equal(t, "oauth_delegation", content.Type)
	require.NotNil(t, content.Delegation)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/v2/auth", content.Delegation.AuthEndpoint)
	assert.Equal(t, "gcid", content.Delegation.ClientInfo.ClientID)
	assert.NotEmpty(t, content.Delegation.ClientInfo.State)
	assert.True(t, content.Delegation.RedirectAfterAuth)
	assert.False(t, backendCalled.Load(), "no outbound call accompanies a delegation")
}

func TestCallFailoverToSecondInstance(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content": {"text": "ok"}}`))
	}))
	t.Cleanup(working.Close)

	servers := []config.ServerConfig{{ID: "S", Endpoint: broken.URL, AuthStrategy: config.StrategyBypassAuth}}
	loaded := map[string]*api.LoadedServer{"S": {
		ID:     "S",
		Status: api.StatusRunning,
		Instances: []api.ServerInstance{
			{ID: "a", URL: broken.URL},
			{ID: "b", URL: working.URL},
		},
	}}
	f := newFixture(t, servers, loaded, routing.BreakerConfig{}, routing.RetryPolicy{MaxRetries: -1}, true)

	result := f.router.Call(context.Background(), api.CallToolRequest{Name: "S.echo"}, "")
	require.False(t, result.IsError, "failover reaches the second instance: %+v", result.Content)
}

func TestReadResource(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mcp/resources/read", r.URL.Path)
		var req api.ReadResourceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "repo://readme", req.URI)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contents": "hello", "mimeType": "text/plain"}`))
	}))
	t.Cleanup(backend.Close)

	servers, loaded := singleServer("S", backend.URL, config.StrategyBypassAuth, nil)
	f := newFixture(t, servers, loaded, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	result := f.router.Read(context.Background(), api.ReadResourceRequest{URI: "S.repo://readme"}, "")
	require.False(t, result.IsError)
	assert.Equal(t, "hello", result.Contents)
	assert.Equal(t, "text/plain", result.MimeType)
}

// Subscription registrations forward like reads: the backend sees the
// original URI and its acknowledgement comes back verbatim.
func TestSubscribeResource(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mcp/resources/subscribe", r.URL.Path)
		var req api.SubscribeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "repo://readme", req.URI)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contents": {"subscribed": true}}`))
	}))
	t.Cleanup(backend.Close)

	servers, loaded := singleServer("S", backend.URL, config.StrategyBypassAuth, nil)
	f := newFixture(t, servers, loaded, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	result := f.router.Subscribe(context.Background(), api.SubscribeRequest{URI: "S.repo://readme"}, "")
	require.False(t, result.IsError)
	contents, ok := result.Contents.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, contents["subscribed"])
}

func TestSubscribeNoRoute(t *testing.T) {
	f := newFixture(t, nil, nil, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	result := f.router.Subscribe(context.Background(), api.SubscribeRequest{URI: "ghost.repo://x"}, "")
	require.True(t, result.IsError)
	content, ok := result.Contents.(api.ErrorContent)
	require.True(t, ok)
	assert.Equal(t, api.CodeNoRoute, content.Error)
}

func TestListToolsReflectsDiscovery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capabilities" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tools": [{"name": "echo"}]}`))
	}))
	t.Cleanup(backend.Close)

	servers, loaded := singleServer("S", backend.URL, config.StrategyBypassAuth, nil)
	f := newFixture(t, servers, loaded, routing.BreakerConfig{}, routing.RetryPolicy{}, false)

	f.agg.Discover(context.Background(), []api.LoadedServer{*loaded["S"]}, nil)

	tools := f.router.ListTools()
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "S.echo", tools.Tools[0].Name)

	// Every listed name resolves to a known server.
	mapping, ok := f.agg.ResolveTool(tools.Tools[0].Name)
	require.True(t, ok)
	assert.Equal(t, "S", mapping.ServerID)
}

func TestHealth(t *testing.T) {
	servers, loaded := singleServer("S", "http://127.0.0.1:4001", config.StrategyBypassAuth, nil)
	f := newFixture(t, servers, loaded, routing.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}, routing.RetryPolicy{}, false)

	health := f.router.Health()
	assert.True(t, health.OK)
	require.Contains(t, health.Servers, "S")
	require.Len(t, health.Servers["S"].Instances, 1)
	assert.Equal(t, string(routing.StateClosed), health.Servers["S"].Instances[0].Circuit)
}
