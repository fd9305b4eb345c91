package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpgate/internal/aggregator"
	"mcpgate/internal/api"
	"mcpgate/internal/auth"
	"mcpgate/internal/metrics"
	"mcpgate/internal/routing"
	"mcpgate/pkg/logging"
)

const maxResponseBody = 8 << 20

// Options wires the router's collaborators.
type Options struct {
	Aggregator *aggregator.Aggregator
	Registry   *routing.Registry
	Breaker    *routing.Breaker
	Retrier    *routing.Retrier
	Auth       *auth.Manager
	Client     *http.Client
	Metrics    *metrics.Metrics
	// Failover tries the next admitted instance after retries against
	// the first are exhausted.
	Failover bool
}

// Router is the request-forwarding plane.
type Router struct {
	opts Options
}

// New creates a router.
func New(opts Options) *Router {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &Router{opts: opts}
}

// ListTools returns the aggregated tool catalog.
func (r *Router) ListTools() api.ListToolsResult {
	tools := r.opts.Aggregator.AllTools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return api.ListToolsResult{Tools: tools}
}

// ListResources returns the aggregated resource catalog.
func (r *Router) ListResources() api.ListResourcesResult {
	resources := r.opts.Aggregator.AllResources()
	if resources == nil {
		resources = []mcp.Resource{}
	}
	return api.ListResourcesResult{Resources: resources}
}

// ListPrompts returns the aggregated prompt catalog.
func (r *Router) ListPrompts() api.ListPromptsResult {
	prompts := r.opts.Aggregator.AllPrompts()
	if prompts == nil {
		prompts = []mcp.Prompt{}
	}
	return api.ListPromptsResult{Prompts: prompts}
}

// Health reports per-server instance health. OK when every server has
// at least one instance whose circuit admits traffic.
func (r *Router) Health() api.HealthStatus {
	servers := r.opts.Registry.Snapshot()
	ok := true
	for _, server := range servers {
		admitted := false
		for _, instance := range server.Instances {
			if instance.Circuit != string(routing.StateOpen) {
				admitted = true
				break
			}
		}
		if !admitted && len(server.Instances) > 0 {
			ok = false
		}
	}
	return api.HealthStatus{OK: ok, Servers: servers}
}

// Call forwards a tool invocation. All failure modes come back as
// structured results; Call never panics the transport with an error.
func (r *Router) Call(ctx context.Context, req api.CallToolRequest, clientToken string) *api.CallToolResult {
	mapping, ok := r.resolveTool(req.Name)
	if !ok {
		return r.callError("", api.NewError(api.CodeNoRoute, api.CategoryRouting, "no route for "+req.Name))
	}

	prepared, err := r.opts.Auth.PrepareHeaders(ctx, mapping.ServerID, clientToken)
	if err != nil {
		return r.callError(mapping.ServerID, err)
	}
	if prepared.Delegation != nil {
		r.countCall(mapping.ServerID, "delegation")
		return api.NewDelegationResult(prepared.Delegation)
	}

	body, err := json.Marshal(map[string]any{
		"name":      mapping.OriginalName,
		"arguments": req.Arguments,
	})
	if err != nil {
		return r.callError(mapping.ServerID, err)
	}

	raw, err := r.forward(ctx, mapping.ServerID, "/mcp/tools/call", body, prepared.Headers)
	if err != nil {
		return r.callError(mapping.ServerID, err)
	}

	var result api.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return r.callError(mapping.ServerID, fmt.Errorf("malformed backend response: %w", err))
	}
	r.countCall(mapping.ServerID, "success")
	return &result
}

// Read forwards a resource read.
func (r *Router) Read(ctx context.Context, req api.ReadResourceRequest, clientToken string) *api.ReadResourceResult {
	mapping, ok := r.resolveResource(req.URI)
	if !ok {
		return r.readError("", api.NewError(api.CodeNoRoute, api.CategoryRouting, "no route for "+req.URI))
	}

	prepared, err := r.opts.Auth.PrepareHeaders(ctx, mapping.ServerID, clientToken)
	if err != nil {
		return r.readError(mapping.ServerID, err)
	}
	if prepared.Delegation != nil {
		r.countCall(mapping.ServerID, "delegation")
		return &api.ReadResourceResult{
			Contents: api.DelegationContent{Type: "oauth_delegation", Delegation: prepared.Delegation},
		}
	}

	body, err := json.Marshal(map[string]any{"uri": mapping.OriginalURI})
	if err != nil {
		return r.readError(mapping.ServerID, err)
	}

	raw, err := r.forward(ctx, mapping.ServerID, "/mcp/resources/read", body, prepared.Headers)
	if err != nil {
		return r.readError(mapping.ServerID, err)
	}

	var result api.ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return r.readError(mapping.ServerID, fmt.Errorf("malformed backend response: %w", err))
	}
	r.countCall(mapping.ServerID, "success")
	return &result
}

// Subscribe forwards a resource subscription registration. The backend
// owns update delivery; the gateway acknowledges the registration.
func (r *Router) Subscribe(ctx context.Context, req api.SubscribeRequest, clientToken string) *api.SubscribeResult {
	mapping, ok := r.resolveResource(req.URI)
	if !ok {
		return r.subscribeError("", api.NewError(api.CodeNoRoute, api.CategoryRouting, "no route for "+req.URI))
	}

	prepared, err := r.opts.Auth.PrepareHeaders(ctx, mapping.ServerID, clientToken)
	if err != nil {
		return r.subscribeError(mapping.ServerID, err)
	}
	if prepared.Delegation != nil {
		r.countCall(mapping.ServerID, "delegation")
		return &api.SubscribeResult{
			Contents: api.DelegationContent{Type: "oauth_delegation", Delegation: prepared.Delegation},
		}
	}

	body, err := json.Marshal(map[string]any{"uri": mapping.OriginalURI})
	if err != nil {
		return r.subscribeError(mapping.ServerID, err)
	}

	raw, err := r.forward(ctx, mapping.ServerID, "/mcp/resources/subscribe", body, prepared.Headers)
	if err != nil {
		return r.subscribeError(mapping.ServerID, err)
	}

	var result api.SubscribeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return r.subscribeError(mapping.ServerID, fmt.Errorf("malformed backend response: %w", err))
	}
	r.countCall(mapping.ServerID, "success")
	return &result
}

// resolveTool resolves an aggregated name, falling back to splitting at
// the first dot for capabilities not yet discovered.
func (r *Router) resolveTool(name string) (api.ToolMapping, bool) {
	if mapping, ok := r.opts.Aggregator.ResolveTool(name); ok {
		return mapping, true
	}
	serverID, original, found := strings.Cut(name, ".")
	if !found || serverID == "" || original == "" {
		return api.ToolMapping{}, false
	}
	if !r.serverKnown(serverID) {
		return api.ToolMapping{}, false
	}
	return api.ToolMapping{ServerID: serverID, OriginalName: original}, true
}

func (r *Router) resolveResource(uri string) (api.ResourceMapping, bool) {
	if mapping, ok := r.opts.Aggregator.ResolveResource(uri); ok {
		return mapping, true
	}
	serverID, original, found := strings.Cut(uri, ".")
	if !found || serverID == "" || original == "" {
		return api.ResourceMapping{}, false
	}
	if !r.serverKnown(serverID) {
		return api.ResourceMapping{}, false
	}
	return api.ResourceMapping{ServerID: serverID, OriginalURI: original}, true
}

func (r *Router) serverKnown(serverID string) bool {
	_, ok := r.opts.Registry.Snapshot()[serverID]
	return ok
}

// forward runs the HTTP call through instance selection, the circuit
// breaker, and the retry engine. With failover enabled, the next
// admitted instance is tried after the first one's retries are
// exhausted.
func (r *Router) forward(ctx context.Context, serverID, path string, body []byte, headers http.Header) ([]byte, error) {
	instance, ok := r.opts.Registry.Pick(serverID)
	if !ok {
		// Distinguish "every circuit refused" from "no instances at all":
		// the former carries a recovery hint.
		if health, exists := r.opts.Registry.Snapshot()[serverID]; exists && len(health.Instances) > 0 {
			return nil, &api.GatewayError{
				Code:         api.CodeCircuitOpen,
				Category:     api.CategoryRouting,
				Message:      "all instances of " + serverID + " are refusing traffic",
				RetryAfterMs: r.soonestRecovery(serverID).Milliseconds(),
			}
		}
		return nil, api.NewError(api.CodeNoHealthyInstance, api.CategoryRouting,
			"no healthy instance for "+serverID)
	}

	attempted := map[string]bool{}
	candidates := []api.ServerInstance{instance}
	if r.opts.Failover {
		for _, candidate := range r.opts.Registry.Candidates(serverID) {
			if candidate.ID != instance.ID {
				candidates = append(candidates, candidate)
			}
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		if attempted[candidate.ID] {
			continue
		}
		attempted[candidate.ID] = true

		raw, err := r.forwardToInstance(ctx, serverID, candidate, path, body, headers)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		// Caller cancellation ends the whole request.
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !r.opts.Failover {
			return nil, lastErr
		}
		logging.Warn("Router", "Instance %s::%s failed, failing over: %v", serverID, candidate.ID, err)
	}
	return nil, lastErr
}

// forwardToInstance gates one instance's retry loop behind its circuit
// and settles the health score afterwards.
func (r *Router) forwardToInstance(ctx context.Context, serverID string, instance api.ServerInstance, path string, body []byte, headers http.Header) ([]byte, error) {
	key := routing.InstanceKey(serverID, instance.ID)
	started := time.Now()

	result, err := r.opts.Breaker.Execute(ctx, key, func(breakerCtx context.Context) (any, error) {
		return r.opts.Retrier.Execute(breakerCtx, func(attemptCtx context.Context) (any, error) {
			return r.post(attemptCtx, instance.URL+path, body, headers)
		}, func(attempt int, err error, delay time.Duration) {
			if r.opts.Metrics != nil {
				r.opts.Metrics.RetryAttempts.WithLabelValues(serverID).Inc()
			}
			logging.Debug("Router", "Retrying %s attempt=%d delay=%v: %v", key, attempt, delay, err)
		})
	})

	latency := time.Since(started)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RouterLatency.WithLabelValues(serverID).Observe(latency.Seconds())
	}

	switch {
	case err == nil:
		r.opts.Registry.MarkSuccess(serverID, instance.ID, latency.Milliseconds())
		return result.([]byte), nil
	case errors.Is(err, routing.ErrCircuitOpen):
		// The breaker's own refusal: the backend was never called, so
		// health is untouched.
		return nil, err
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return nil, err
	default:
		r.opts.Registry.MarkFailure(serverID, instance.ID)
		return nil, err
	}
}

// post performs one HTTP attempt. Non-2xx responses become HTTPError so
// the retry policy can classify them.
func (r *Router) post(ctx context.Context, url string, body []byte, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, values := range headers {
		for _, value := range values {
			req.Header.Set(name, value)
		}
	}

	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, routing.NewHTTPError(resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
}

// callError converts a failure into a structured tool-call result.
func (r *Router) callError(serverID string, err error) *api.CallToolResult {
	code, retryAfterMs, correlationID := r.classify(serverID, err)
	return api.NewErrorResult(code, correlationID, retryAfterMs)
}

func (r *Router) readError(serverID string, err error) *api.ReadResourceResult {
	code, retryAfterMs, correlationID := r.classify(serverID, err)
	return &api.ReadResourceResult{
		Contents: api.ErrorContent{Error: code, CorrelationID: correlationID, RetryAfterMs: retryAfterMs},
		IsError:  true,
	}
}

func (r *Router) subscribeError(serverID string, err error) *api.SubscribeResult {
	code, retryAfterMs, correlationID := r.classify(serverID, err)
	return &api.SubscribeResult{
		Contents: api.ErrorContent{Error: code, CorrelationID: correlationID, RetryAfterMs: retryAfterMs},
		IsError:  true,
	}
}

// classify maps a failure to its stable code, logging the full cause
// under a correlation ID. Backend error bodies never reach the caller.
func (r *Router) classify(serverID string, err error) (code string, retryAfterMs int64, correlationID string) {
	correlationID = uuid.NewString()

	var gwErr *api.GatewayError
	var httpErr *routing.HTTPError
	switch {
	case errors.Is(err, routing.ErrCircuitOpen):
		code = api.CodeCircuitOpen
		retryAfterMs = r.soonestRecovery(serverID).Milliseconds()
	case errors.As(err, &gwErr):
		code = gwErr.Code
		retryAfterMs = gwErr.RetryAfterMs
	case errors.As(err, &httpErr):
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			code = api.CodeHTTP429
			retryAfterMs = httpErr.RetryAfter.Milliseconds()
		case httpErr.StatusCode/100 == 5:
			code = api.CodeHTTP5xx
		default:
			code = fmt.Sprintf("http_%d", httpErr.StatusCode)
		}
	case errors.Is(err, context.DeadlineExceeded):
		code = api.CodeTimeout
	default:
		code = api.CodeNetwork
	}

	r.countCall(serverID, code)
	logging.Error("Router", err, "Call failed server=%s code=%s correlation=%s", serverID, code, correlationID)
	return code, retryAfterMs, correlationID
}

// soonestRecovery reports the time until the server's soonest-recovering
// open circuit admits a probe.
func (r *Router) soonestRecovery(serverID string) time.Duration {
	var soonest time.Duration
	for _, instance := range r.opts.Registry.Snapshot()[serverID].Instances {
		remaining := r.opts.Breaker.RecoveryRemaining(routing.InstanceKey(serverID, instance.ID))
		if remaining > 0 && (soonest == 0 || remaining < soonest) {
			soonest = remaining
		}
	}
	return soonest
}

func (r *Router) countCall(serverID, outcome string) {
	if r.opts.Metrics == nil {
		return
	}
	if serverID == "" {
		serverID = "unknown"
	}
	r.opts.Metrics.RouterCalls.WithLabelValues(serverID, outcome).Inc()
}
