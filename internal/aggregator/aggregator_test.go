package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/api"
)

func capabilitiesBackend(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capabilities" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func loaded(id, endpoint string) api.LoadedServer {
	return api.LoadedServer{ID: id, Endpoint: endpoint, Status: api.StatusRunning}
}

func TestDiscoverPrefixesAndMaps(t *testing.T) {
	backend := capabilitiesBackend(t, `{
		"tools": [{"name": "create_issue"}, {"name": "search"}],
		"resources": [{"uri": "repo://readme", "name": "readme"}],
		"prompts": [{"name": "review"}]
	}`)

	agg := New()
	agg.Discover(context.Background(), []api.LoadedServer{loaded("github", backend.URL)}, nil)

	tools := agg.AllTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "github.create_issue", tools[0].Name)
	assert.Equal(t, "github.search", tools[1].Name)

	mapping, ok := agg.ResolveTool("github.create_issue")
	require.True(t, ok)
	assert.Equal(t, "github", mapping.ServerID)
	assert.Equal(t, "create_issue", mapping.OriginalName)

	resMapping, ok := agg.ResolveResource("github.repo://readme")
	require.True(t, ok)
	assert.Equal(t, "repo://readme", resMapping.OriginalURI)

	prompts := agg.AllPrompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "github.review", prompts[0].Name)

	_, ok = agg.ResolveTool("github.unknown")
	assert.False(t, ok)
}

func TestDiscoverNestedCapabilitiesShape(t *testing.T) {
	backend := capabilitiesBackend(t, `{
		"capabilities": {
			"tools": [{"name": "deploy"}],
			"resources": [{"uri": "svc://status"}]
		}
	}`)

	agg := New()
	agg.Discover(context.Background(), []api.LoadedServer{loaded("infra", backend.URL)}, nil)

	_, ok := agg.ResolveTool("infra.deploy")
	assert.True(t, ok)
	_, ok = agg.ResolveResource("infra.svc://status")
	assert.True(t, ok)
}

func TestDiscoverFallsBackToListEndpoints(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mcp/tools/list":
			require.Equal(t, http.MethodPost, r.Method)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"tools": [{"name": "query"}]}`))
		case "/mcp/resources/list":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"resources": [{"uri": "db://tables"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backend.Close)

	agg := New()
	agg.Discover(context.Background(), []api.LoadedServer{loaded("db", backend.URL)}, nil)

	_, ok := agg.ResolveTool("db.query")
	assert.True(t, ok)
	_, ok = agg.ResolveResource("db.db://tables")
	assert.True(t, ok)
}

func TestDiscoverPartialFailureDropsOnlyFailedServer(t *testing.T) {
	healthy := capabilitiesBackend(t, `{"tools": [{"name": "ok"}]}`)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	agg := New()
	servers := []api.LoadedServer{loaded("good", healthy.URL), loaded("bad", broken.URL)}
	agg.Discover(context.Background(), servers, nil)

	_, ok := agg.ResolveTool("good.ok")
	assert.True(t, ok)
	assert.Len(t, agg.AllTools(), 1)

	// Seed an entry for the broken server, then rediscover: the stale
	// entry must be gone while the healthy one survives.
	agg.replaceServer("bad", buildCatalog("bad", []mcp.Tool{{Name: "stale"}}, nil, nil))
	_, ok = agg.ResolveTool("bad.stale")
	require.True(t, ok)

	agg.Discover(context.Background(), servers, nil)
	_, ok = agg.ResolveTool("bad.stale")
	assert.False(t, ok, "a failing backend loses its catalog entries")
	_, ok = agg.ResolveTool("good.ok")
	assert.True(t, ok)
}

func TestDiscoverIdempotent(t *testing.T) {
	backend := capabilitiesBackend(t, `{"tools": [{"name": "a"}, {"name": "b"}]}`)

	agg := New()
	servers := []api.LoadedServer{loaded("s", backend.URL)}
	agg.Discover(context.Background(), servers, nil)
	first := agg.AllTools()

	agg.Discover(context.Background(), servers, nil)
	second := agg.AllTools()

	assert.Equal(t, first, second)
	assert.Len(t, second, 2, "rediscovery replaces, never accumulates")
}

func TestDiscoverSendsResolvedAuthHeaders(t *testing.T) {
	var gotAuth atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tools": []}`))
	}))
	t.Cleanup(backend.Close)

	resolver := func(ctx context.Context, serverID string) (http.Header, error) {
		headers := http.Header{}
		headers.Set("Authorization", "Bearer token-for-"+serverID)
		return headers, nil
	}

	agg := New()
	agg.Discover(context.Background(), []api.LoadedServer{loaded("gh", backend.URL)}, resolver)
	assert.Equal(t, "Bearer token-for-gh", gotAuth.Load())
}

func TestRemoveServer(t *testing.T) {
	backend := capabilitiesBackend(t, `{"tools": [{"name": "x"}]}`)

	agg := New()
	agg.Discover(context.Background(), []api.LoadedServer{loaded("s", backend.URL)}, nil)
	require.Len(t, agg.AllTools(), 1)

	agg.RemoveServer("s")
	assert.Empty(t, agg.AllTools())
	_, ok := agg.ResolveTool("s.x")
	assert.False(t, ok)
}

func TestDiscoverSkipsServersWithoutEndpoint(t *testing.T) {
	agg := New()
	agg.Discover(context.Background(), []api.LoadedServer{{ID: "local"}}, nil)
	assert.Empty(t, agg.AllTools())
}
