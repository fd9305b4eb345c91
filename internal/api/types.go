package api

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerStatus describes the lifecycle state of a loaded backend.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusStopped  ServerStatus = "stopped"
	StatusError    ServerStatus = "error"
)

// ServerInstance is one concrete URL belonging to a logical backend. A
// backend declared with a single endpoint gets one synthesized default
// instance.
type ServerInstance struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Weight      float64 `json:"weight,omitempty"`
	HealthScore float64 `json:"healthScore"`
}

// LoadedServer is a backend the gateway currently fronts, together with
// its instances. The container owns the map of loaded servers; other
// components receive read-only snapshots.
type LoadedServer struct {
	ID                  string           `json:"id"`
	Type                string           `json:"type"`
	Endpoint            string           `json:"endpoint"`
	Status              ServerStatus     `json:"status"`
	LastHealthCheckUnix int64            `json:"lastHealthCheckUnix,omitempty"`
	Instances           []ServerInstance `json:"instances"`
}

// ToolMapping resolves an aggregated tool name back to its owner.
type ToolMapping struct {
	ServerID     string
	OriginalName string
}

// ResourceMapping resolves an aggregated resource URI back to its owner.
type ResourceMapping struct {
	ServerID    string
	OriginalURI string
}

// CallToolRequest is the inbound body of POST /mcp/tools/call.
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result of a tool call. Content carries either
// the backend's verbatim content, an error payload, or a delegation
// instruction.
type CallToolResult struct {
	Content any  `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

// ReadResourceRequest is the inbound body of POST /mcp/resources/read.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result of a resource read.
type ReadResourceResult struct {
	Contents any    `json:"contents"`
	MimeType string `json:"mimeType,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

// SubscribeRequest is the inbound body of POST /mcp/resources/subscribe.
type SubscribeRequest struct {
	URI string `json:"uri"`
}

// SubscribeResult acknowledges a subscription registration. Update
// delivery stays between the backend and its notification channel; the
// gateway only forwards the registration.
type SubscribeResult struct {
	Contents any  `json:"contents,omitempty"`
	IsError  bool `json:"isError,omitempty"`
}

// ListToolsResult is the body of POST /mcp/tools/list responses.
type ListToolsResult struct {
	Tools []mcp.Tool `json:"tools"`
}

// ListResourcesResult is the body of POST /mcp/resources/list responses.
type ListResourcesResult struct {
	Resources []mcp.Resource `json:"resources"`
}

// ListPromptsResult is the body of POST /mcp/prompts/list responses.
type ListPromptsResult struct {
	Prompts []mcp.Prompt `json:"prompts"`
}

// ErrorContent is the content payload of an error result. CorrelationID
// lets operators find the matching log records without exposing backend
// internals to the caller.
type ErrorContent struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
	RetryAfterMs  int64  `json:"retryAfterMs,omitempty"`
}

// ClientInfo identifies the OAuth client a delegation flow must use.
type ClientInfo struct {
	ClientID string `json:"client_id"`
	State    string `json:"state"`
}

// Delegation instructs the caller to complete an OAuth flow against the
// named provider before the requested backend becomes reachable. It is
// a structured result, not an error.
type Delegation struct {
	AuthEndpoint      string     `json:"auth_endpoint"`
	TokenEndpoint     string     `json:"token_endpoint"`
	ClientInfo        ClientInfo `json:"client_info"`
	RequiredScopes    []string   `json:"required_scopes,omitempty"`
	RedirectAfterAuth bool       `json:"redirect_after_auth"`
}

// DelegationContent is the content payload wrapping a Delegation inside
// a CallToolResult.
type DelegationContent struct {
	Type       string      `json:"type"`
	Delegation *Delegation `json:"delegation"`
}

// NewDelegationResult wraps a delegation into a tool-call result.
func NewDelegationResult(delegation *Delegation) *CallToolResult {
	return &CallToolResult{
		Content: DelegationContent{Type: "oauth_delegation", Delegation: delegation},
	}
}

// NewErrorResult builds an error result with a stable code and a
// correlation ID.
func NewErrorResult(code, correlationID string, retryAfterMs int64) *CallToolResult {
	return &CallToolResult{
		Content: ErrorContent{Error: code, CorrelationID: correlationID, RetryAfterMs: retryAfterMs},
		IsError: true,
	}
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	OK      bool                    `json:"ok"`
	Servers map[string]ServerHealth `json:"servers"`
}

// ServerHealth summarizes one backend for the health endpoint.
type ServerHealth struct {
	Status    ServerStatus     `json:"status"`
	Instances []InstanceHealth `json:"instances"`
}

// InstanceHealth summarizes one instance for the health endpoint.
type InstanceHealth struct {
	ID          string  `json:"id"`
	HealthScore float64 `json:"healthScore"`
	Circuit     string  `json:"circuit"`
}
