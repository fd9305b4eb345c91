package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"mcpgate/internal/api"
	"mcpgate/pkg/logging"
)

const (
	// DefaultConcurrency bounds the discovery fan-out.
	DefaultConcurrency = 16
	// DefaultTimeout bounds each backend's discovery round-trip.
	DefaultTimeout = 5 * time.Second

	maxBodySize = 4 << 20
)

// AuthResolver supplies the outbound auth headers for one backend
// during discovery. A nil resolver discovers without credentials.
type AuthResolver func(ctx context.Context, serverID string) (http.Header, error)

// serverCatalog holds one backend's discovered capabilities, already
// namespaced.
type serverCatalog struct {
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
}

// Aggregator owns the unified capability catalog and the reverse maps
// that resolve aggregated names back to their owning backend.
type Aggregator struct {
	mu          sync.RWMutex
	toolMap     map[string]api.ToolMapping
	resourceMap map[string]api.ResourceMapping
	catalogs    map[string]*serverCatalog

	client      *http.Client
	concurrency int
	timeout     time.Duration
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithHTTPClient replaces the HTTP client used for discovery.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Aggregator) { a.client = client }
}

// WithConcurrency bounds the discovery fan-out.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithTimeout bounds each backend's discovery round-trip.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		toolMap:     make(map[string]api.ToolMapping),
		resourceMap: make(map[string]api.ResourceMapping),
		catalogs:    make(map[string]*serverCatalog),
		client:      &http.Client{},
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Discover fans out to every server with an endpoint and rebuilds their
// catalog entries. Partial failures are logged; a failing backend's
// prior entries are dropped so stale capabilities never route.
func (a *Aggregator) Discover(ctx context.Context, servers []api.LoadedServer, resolver AuthResolver) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)

	for _, server := range servers {
		if server.Endpoint == "" {
			continue
		}
		server := server
		group.Go(func() error {
			discoverCtx, cancel := context.WithTimeout(groupCtx, a.timeout)
			defer cancel()

			catalog, err := a.discoverServer(discoverCtx, server, resolver)
			if err != nil {
				logging.Warn("Aggregator", "Discovery failed for %s: %v", server.ID, err)
				a.replaceServer(server.ID, nil)
				return nil
			}
			a.replaceServer(server.ID, catalog)
			logging.Info("Aggregator", "Discovered %d tools, %d resources, %d prompts from %s",
				len(catalog.tools), len(catalog.resources), len(catalog.prompts), server.ID)
			return nil
		})
	}
	_ = group.Wait()
}

// RemoveServer drops one backend's catalog entries, used when a server
// is unloaded on reload.
func (a *Aggregator) RemoveServer(serverID string) {
	a.replaceServer(serverID, nil)
}

// replaceServer atomically swaps one backend's catalog: prior entries
// are removed before the new ones are inserted, under one lock hold, so
// readers never observe a partial update.
func (a *Aggregator) replaceServer(serverID string, catalog *serverCatalog) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, mapping := range a.toolMap {
		if mapping.ServerID == serverID {
			delete(a.toolMap, name)
		}
	}
	for uri, mapping := range a.resourceMap {
		if mapping.ServerID == serverID {
			delete(a.resourceMap, uri)
		}
	}
	delete(a.catalogs, serverID)

	if catalog == nil {
		return
	}
	for _, tool := range catalog.tools {
		original := strings.TrimPrefix(tool.Name, serverID+".")
		a.toolMap[tool.Name] = api.ToolMapping{ServerID: serverID, OriginalName: original}
	}
	for _, resource := range catalog.resources {
		original := strings.TrimPrefix(resource.URI, serverID+".")
		a.resourceMap[resource.URI] = api.ResourceMapping{ServerID: serverID, OriginalURI: original}
	}
	a.catalogs[serverID] = catalog
}

// ResolveTool resolves an aggregated tool name to its owner.
func (a *Aggregator) ResolveTool(name string) (api.ToolMapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	mapping, ok := a.toolMap[name]
	return mapping, ok
}

// ResolveResource resolves an aggregated resource URI to its owner.
func (a *Aggregator) ResolveResource(uri string) (api.ResourceMapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	mapping, ok := a.resourceMap[uri]
	return mapping, ok
}

// AllTools returns the aggregated tool catalog, sorted by name.
func (a *Aggregator) AllTools() []mcp.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var tools []mcp.Tool
	for _, catalog := range a.catalogs {
		tools = append(tools, catalog.tools...)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// AllResources returns the aggregated resource catalog, sorted by URI.
func (a *Aggregator) AllResources() []mcp.Resource {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var resources []mcp.Resource
	for _, catalog := range a.catalogs {
		resources = append(resources, catalog.resources...)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// AllPrompts returns the aggregated prompt catalog, sorted by name.
func (a *Aggregator) AllPrompts() []mcp.Prompt {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var prompts []mcp.Prompt
	for _, catalog := range a.catalogs {
		prompts = append(prompts, catalog.prompts...)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

// capabilitiesPayload matches both shapes backends answer with: the
// fields at the top level or nested under "capabilities".
type capabilitiesPayload struct {
	Tools        []mcp.Tool     `json:"tools"`
	Resources    []mcp.Resource `json:"resources"`
	Prompts      []mcp.Prompt   `json:"prompts"`
	Capabilities *struct {
		Tools     []mcp.Tool     `json:"tools"`
		Resources []mcp.Resource `json:"resources"`
		Prompts   []mcp.Prompt   `json:"prompts"`
	} `json:"capabilities"`
}

// discoverServer fetches one backend's capabilities: GET /capabilities
// first, the POST list endpoints as fallback.
func (a *Aggregator) discoverServer(ctx context.Context, server api.LoadedServer, resolver AuthResolver) (*serverCatalog, error) {
	headers := http.Header{}
	if resolver != nil {
		resolved, err := resolver(ctx, server.ID)
		if err != nil {
			logging.Debug("Aggregator", "No auth headers for %s discovery: %v", server.ID, err)
		} else if resolved != nil {
			headers = resolved
		}
	}

	catalog, err := a.fetchCapabilities(ctx, server, headers)
	if err == nil {
		return catalog, nil
	}
	logging.Debug("Aggregator", "GET /capabilities failed for %s, falling back to list endpoints: %v", server.ID, err)
	return a.fetchLists(ctx, server, headers)
}

func (a *Aggregator) fetchCapabilities(ctx context.Context, server api.LoadedServer, headers http.Header) (*serverCatalog, error) {
	body, err := a.doRequest(ctx, http.MethodGet, server.Endpoint+"/capabilities", headers, nil)
	if err != nil {
		return nil, err
	}

	var payload capabilitiesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed capabilities response: %w", err)
	}
	tools, resources, prompts := payload.Tools, payload.Resources, payload.Prompts
	if payload.Capabilities != nil {
		if len(tools) == 0 {
			tools = payload.Capabilities.Tools
		}
		if len(resources) == 0 {
			resources = payload.Capabilities.Resources
		}
		if len(prompts) == 0 {
			prompts = payload.Capabilities.Prompts
		}
	}
	return buildCatalog(server.ID, tools, resources, prompts), nil
}

// fetchLists queries the two list endpoints in parallel. Both must
// answer; a backend that cannot list is treated as failed.
func (a *Aggregator) fetchLists(ctx context.Context, server api.LoadedServer, headers http.Header) (*serverCatalog, error) {
	var (
		tools     api.ListToolsResult
		resources api.ListResourcesResult
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		body, err := a.doRequest(groupCtx, http.MethodPost, server.Endpoint+"/mcp/tools/list", headers, []byte("{}"))
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &tools)
	})
	group.Go(func() error {
		body, err := a.doRequest(groupCtx, http.MethodPost, server.Endpoint+"/mcp/resources/list", headers, []byte("{}"))
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &resources)
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return buildCatalog(server.ID, tools.Tools, resources.Resources, nil), nil
}

func (a *Aggregator) doRequest(ctx context.Context, method, url string, headers http.Header, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s returned %s", method, url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

// buildCatalog namespaces every capability with the owning server ID.
func buildCatalog(serverID string, tools []mcp.Tool, resources []mcp.Resource, prompts []mcp.Prompt) *serverCatalog {
	catalog := &serverCatalog{}
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		tool.Name = serverID + "." + tool.Name
		catalog.tools = append(catalog.tools, tool)
	}
	for _, resource := range resources {
		if resource.URI == "" {
			continue
		}
		resource.URI = serverID + "." + resource.URI
		catalog.resources = append(catalog.resources, resource)
	}
	for _, prompt := range prompts {
		if prompt.Name == "" {
			continue
		}
		prompt.Name = serverID + "." + prompt.Name
		catalog.prompts = append(catalog.prompts, prompt)
	}
	return catalog
}
