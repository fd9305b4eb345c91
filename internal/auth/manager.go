package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mcpgate/internal/api"
	"mcpgate/internal/config"
	"mcpgate/internal/providers"
	"mcpgate/internal/tokens"
	"mcpgate/pkg/logging"
	"mcpgate/pkg/oauth"
)

const (
	// refreshSkew triggers a proxy refresh before the stored token
	// actually expires, covering clock skew and request flight time.
	refreshSkew = 30 * time.Second

	// pendingTTL bounds how long a delegation waits for its callback.
	pendingTTL = 10 * time.Minute
)

// Prepared is the outcome of PrepareHeaders: either outbound headers or
// a delegation the caller must surface to the client. Exactly one field
// is set.
type Prepared struct {
	Headers    http.Header
	Delegation *api.Delegation
}

// pendingDelegation binds an issued delegation state to the client that
// triggered it.
type pendingDelegation struct {
	serverID    string
	clientToken string
	createdAt   time.Time
}

// Manager dispatches the per-backend auth strategies. It is rebuilt on
// config reload; the token store survives across rebuilds.
type Manager struct {
	servers   map[string]config.ServerConfig
	adapters  map[string]providers.Provider
	store     *tokens.Store
	validator *masterValidator
	defaults  config.DelegationConfig

	mu      sync.Mutex
	pending map[string]pendingDelegation

	now       func() time.Time
	onRefresh func(outcome string)
}

// SetRefreshObserver registers a callback invoked after every proxy
// token refresh with outcome "success" or "failure".
func (m *Manager) SetRefreshObserver(fn func(outcome string)) {
	m.onRefresh = fn
}

func (m *Manager) observeRefresh(outcome string) {
	if m.onRefresh != nil {
		m.onRefresh(outcome)
	}
}

// NewManager builds the strategy dispatch table from a config snapshot.
func NewManager(cfg *config.MasterConfig, store *tokens.Store, client *http.Client) (*Manager, error) {
	if client == nil {
		client = http.DefaultClient
	}

	adapters := make(map[string]providers.Provider)
	servers := make(map[string]config.ServerConfig, len(cfg.Servers))
	for _, server := range cfg.Servers {
		servers[server.ID] = server
		if server.AuthConfig == nil {
			continue
		}
		adapter, err := providers.New(server.AuthConfig, client)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", server.ID, err)
		}
		adapters[server.ID] = adapter
	}

	return &Manager{
		servers:   servers,
		adapters:  adapters,
		store:     store,
		validator: newMasterValidator(&cfg.MasterOAuth, client),
		defaults:  cfg.Delegation,
		pending:   make(map[string]pendingDelegation),
		now:       time.Now,
	}, nil
}

// PrepareHeaders resolves the credentials for one forwarded request.
// A delegation outcome is a result, not an error.
func (m *Manager) PrepareHeaders(ctx context.Context, serverID, clientToken string) (*Prepared, error) {
	server, ok := m.servers[serverID]
	if !ok {
		return nil, api.NewError(api.CodeNoRoute, api.CategoryRouting, "unknown server "+serverID)
	}

	strategy := server.AuthStrategy
	if strategy == "" {
		strategy = config.StrategyMasterOAuth
	}

	switch strategy {
	case config.StrategyBypassAuth:
		return &Prepared{Headers: http.Header{}}, nil

	case config.StrategyMasterOAuth:
		if err := m.validator.validate(ctx, clientToken); err != nil {
			return nil, err
		}
		return &Prepared{Headers: bearer(clientToken)}, nil

	case config.StrategyDelegateOAuth:
		return m.prepareDelegation(server, clientToken)

	case config.StrategyProxyOAuth:
		return m.prepareProxy(ctx, server, clientToken)

	default:
		return nil, api.NewError(api.CodeSchema, api.CategoryConfig,
			fmt.Sprintf("server %s has unknown auth strategy %q", serverID, strategy))
	}
}

// prepareDelegation issues a delegation and records a pending marker so
// the eventual callback can bind the issued token to this client.
func (m *Manager) prepareDelegation(server config.ServerConfig, clientToken string) (*Prepared, error) {
	authCfg := server.AuthConfig
	if authCfg == nil {
		return nil, api.NewError(api.CodeSchema, api.CategoryConfig,
			"server "+server.ID+" delegates auth but has no auth_config")
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate delegation state: %w", err)
	}

	m.mu.Lock()
	m.pending[state] = pendingDelegation{
		serverID:    server.ID,
		clientToken: clientToken,
		createdAt:   m.now(),
	}
	m.mu.Unlock()

	scopes := authCfg.Scopes
	if len(scopes) == 0 {
		scopes = m.defaults.DefaultScopes
	}
	return &Prepared{Delegation: &api.Delegation{
		AuthEndpoint:      authCfg.AuthorizationEndpoint,
		TokenEndpoint:     authCfg.TokenEndpoint,
		ClientInfo:        api.ClientInfo{ClientID: authCfg.ClientID, State: state},
		RequiredScopes:    scopes,
		RedirectAfterAuth: true,
	}}, nil
}

// prepareProxy injects a stored backend token, refreshing it when it
// expires within the skew window. Behavior without a usable token is
// governed by the configured fallback.
func (m *Manager) prepareProxy(ctx context.Context, server config.ServerConfig, clientToken string) (*Prepared, error) {
	key := tokens.Key(server.ID, clientToken)
	stored, found := m.store.Get(ctx, key)

	if found && !stored.IsExpired(refreshSkew) {
		return &Prepared{Headers: bearer(stored.AccessToken)}, nil
	}

	if found && stored.RefreshToken != "" {
		adapter := m.adapters[server.ID]
		if adapter != nil {
			refreshed, err := adapter.RefreshToken(ctx, stored.RefreshToken)
			if err == nil {
				m.observeRefresh("success")
				if err := m.store.Put(ctx, key, refreshed); err != nil {
					logging.Warn("Auth", "Failed to persist refreshed token for %s: %v", server.ID, err)
				}
				return &Prepared{Headers: bearer(refreshed.AccessToken)}, nil
			}
			m.observeRefresh("failure")
			logging.Warn("Auth", "Token refresh failed for %s: %v", server.ID, err)
		}
	}

	if proxyFallback(server.AuthConfig) == "fail" {
		return nil, api.NewError(api.CodeRefreshFailed, api.CategoryAuth,
			"no backend token available for "+server.ID)
	}
	logging.Warn("Auth", "Proxy auth degraded for %s: passing master token through", server.ID)
	return &Prepared{Headers: bearer(clientToken)}, nil
}

// DiscoveryHeaders resolves the outbound headers for background
// capability discovery, where no caller token exists. Proxy and
// delegate backends use the token stored under the shared (empty)
// client binding, refreshed when stale; other strategies discover
// without credentials.
func (m *Manager) DiscoveryHeaders(ctx context.Context, serverID string) (http.Header, error) {
	server, ok := m.servers[serverID]
	if !ok {
		return nil, api.NewError(api.CodeNoRoute, api.CategoryRouting, "unknown server "+serverID)
	}

	switch server.AuthStrategy {
	case config.StrategyProxyOAuth, config.StrategyDelegateOAuth:
	default:
		return http.Header{}, nil
	}

	key := tokens.Key(server.ID, "")
	stored, found := m.store.Get(ctx, key)
	if !found {
		return http.Header{}, nil
	}
	if !stored.IsExpired(refreshSkew) {
		return bearer(stored.AccessToken), nil
	}

	if stored.RefreshToken != "" {
		if adapter := m.adapters[server.ID]; adapter != nil {
			refreshed, err := adapter.RefreshToken(ctx, stored.RefreshToken)
			if err == nil {
				m.observeRefresh("success")
				if err := m.store.Put(ctx, key, refreshed); err != nil {
					logging.Warn("Auth", "Failed to persist refreshed token for %s: %v", server.ID, err)
				}
				return bearer(refreshed.AccessToken), nil
			}
			m.observeRefresh("failure")
			logging.Warn("Auth", "Discovery token refresh failed for %s: %v", server.ID, err)
		}
	}
	return http.Header{}, nil
}

// StoreDelegatedToken persists a token obtained through a completed
// OAuth flow and clears any pending delegation markers for the binding.
func (m *Manager) StoreDelegatedToken(ctx context.Context, serverID, clientToken string, token *oauth.Token) error {
	if err := m.store.Put(ctx, tokens.Key(serverID, clientToken), token); err != nil {
		return err
	}
	m.mu.Lock()
	for state, pending := range m.pending {
		if pending.serverID == serverID && pending.clientToken == clientToken {
			delete(m.pending, state)
		}
	}
	m.mu.Unlock()
	return nil
}

// PendingDelegation reports whether a delegation state is still
// waiting for its callback, expiring stale markers as a side effect.
func (m *Manager) PendingDelegation(state string) (serverID, clientToken string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[state]
	if !ok {
		return "", "", false
	}
	if m.now().Sub(pending.createdAt) > pendingTTL {
		delete(m.pending, state)
		return "", "", false
	}
	return pending.serverID, pending.clientToken, true
}

// ValidateClientToken validates a master client token.
func (m *Manager) ValidateClientToken(ctx context.Context, clientToken string) error {
	return m.validator.validate(ctx, clientToken)
}

func proxyFallback(cfg *config.AuthConfig) string {
	if cfg != nil && cfg.Fallback != "" {
		return cfg.Fallback
	}
	return "passthrough"
}

func bearer(token string) http.Header {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	return headers
}
