package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/api"
	"mcpgate/internal/auth"
	"mcpgate/internal/config"
	"mcpgate/pkg/logging"
	pkgoauth "mcpgate/pkg/oauth"
)

// stateCookie binds the browser that started a flow to its callback.
const stateCookie = "mcp_oauth_state"

// Controller drives the authorization-code + PKCE flow against the
// providers configured on delegate and proxy backends.
type Controller struct {
	cfg    *config.MasterConfig
	env    config.Environment
	auth   *auth.Manager
	client *http.Client
	flows  *flowStore
}

// NewController builds a flow controller over a config snapshot. It is
// rebuilt on hot reload, the auth manager's token store persists.
func NewController(cfg *config.MasterConfig, env config.Environment, authMgr *auth.Manager, client *http.Client) *Controller {
	if client == nil {
		client = http.DefaultClient
	}
	return &Controller{
		cfg:    cfg,
		env:    env,
		auth:   authMgr,
		client: client,
		flows:  newFlowStore(),
	}
}

// Start launches the expired-flow sweeper.
func (c *Controller) Start(ctx context.Context) {
	c.flows.StartSweeper(ctx)
}

// Stop ends the sweeper.
func (c *Controller) Stop() {
	c.flows.Stop()
}

// Authorize handles GET /oauth/authorize: it resolves the target
// provider, stores the flow record, and redirects to the provider's
// authorization endpoint.
func (c *Controller) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	serverID, authCfg, err := c.resolveProvider(query.Get("provider"), query.Get("server_id"))
	if err != nil {
		c.renderError(w, http.StatusBadRequest, "misconfiguration", err)
		return
	}
	if err := c.checkEndpointSecurity(authCfg); err != nil {
		c.renderError(w, http.StatusBadRequest, "misconfiguration", err)
		return
	}

	returnTo, err := c.validateReturnTo(query.Get("return_to"))
	if err != nil {
		c.renderError(w, http.StatusBadRequest, "misconfiguration", err)
		return
	}

	state, err := pkgoauth.GenerateState()
	if err != nil {
		c.renderError(w, http.StatusInternalServerError, "misconfiguration", err)
		return
	}
	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		c.renderError(w, http.StatusInternalServerError, "misconfiguration", err)
		return
	}

	scopes := authCfg.Scopes
	if raw := query.Get("scopes"); raw != "" {
		scopes = pkgoauth.SplitScopes(raw)
	}

	c.flows.Put(&FlowData{
		State:         state,
		Provider:      authCfg.Provider,
		ServerID:      serverID,
		ClientBinding: clientBinding(r),
		CodeVerifier:  pkce.CodeVerifier,
		ReturnTo:      returnTo,
		Scopes:        scopes,
		CreatedAt:     time.Now(),
	})

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/oauth",
		MaxAge:   int(flowTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	authorizeURL, err := url.Parse(authCfg.AuthorizationEndpoint)
	if err != nil {
		c.renderError(w, http.StatusBadRequest, "misconfiguration", err)
		return
	}
	params := authorizeURL.Query()
	params.Set("response_type", "code")
	params.Set("client_id", authCfg.ClientID)
	params.Set("redirect_uri", c.redirectURI(r))
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", pkce.CodeChallenge)
	params.Set("code_challenge_method", pkce.CodeChallengeMethod)
	authorizeURL.RawQuery = params.Encode()

	logging.Info("OAuthFlow", "Authorize redirect for server=%s provider=%s", serverID, authCfg.Provider)
	http.Redirect(w, r, authorizeURL.String(), http.StatusFound)
}

// Callback handles GET (and form_post POST) /oauth/callback: it
// consumes the flow record, exchanges the code, and persists the token.
func (c *Controller) Callback(w http.ResponseWriter, r *http.Request) {
	code, state, providerErr := callbackParams(r)

	if providerErr != "" {
		category := "provider_unavailable"
		if providerErr == "access_denied" {
			category = "user_cancelled"
		}
		c.renderError(w, http.StatusBadRequest, category, fmt.Errorf("provider returned %s", providerErr))
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value != state {
		c.renderError(w, http.StatusBadRequest, "state_invalid",
			api.NewError(api.CodeInvalidState, api.CategoryValidation, "state cookie mismatch"))
		return
	}

	flow, ok := c.flows.Consume(state)
	if !ok {
		c.renderError(w, http.StatusBadRequest, "state_invalid",
			api.NewError(api.CodeInvalidState, api.CategoryValidation, "unknown or replayed state"))
		return
	}

	_, authCfg, err := c.resolveProvider(flow.Provider, flow.ServerID)
	if err != nil {
		c.renderError(w, http.StatusBadRequest, "misconfiguration", err)
		return
	}

	token, err := c.exchangeCode(r.Context(), authCfg, code, flow.CodeVerifier, c.redirectURI(r))
	if err != nil {
		c.renderError(w, http.StatusBadGateway, "provider_unavailable", err)
		return
	}

	if err := c.auth.StoreDelegatedToken(r.Context(), flow.ServerID, flow.ClientBinding, token); err != nil {
		c.renderError(w, http.StatusInternalServerError, "misconfiguration", err)
		return
	}

	clearCookie(w)
	logging.Info("OAuthFlow", "Completed flow for server=%s provider=%s", flow.ServerID, flow.Provider)

	if flow.ReturnTo != "" {
		http.Redirect(w, r, flow.ReturnTo, http.StatusFound)
		return
	}
	c.renderSuccess(w)
}

// Token handles POST /oauth/token: a server-to-server code exchange for
// callers that complete the redirect themselves.
func (c *Controller) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	state := r.PostForm.Get("state")
	code := r.PostForm.Get("code")
	if state == "" || code == "" {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	flow, ok := c.flows.Consume(state)
	if !ok {
		httpError(w, http.StatusBadRequest, api.CodeInvalidState)
		return
	}
	_, authCfg, err := c.resolveProvider(flow.Provider, flow.ServerID)
	if err != nil {
		httpError(w, http.StatusBadRequest, "misconfiguration")
		return
	}

	token, err := c.exchangeCode(r.Context(), authCfg, code, flow.CodeVerifier, c.redirectURI(r))
	if err != nil {
		httpError(w, http.StatusBadGateway, "provider_unavailable")
		return
	}
	if err := c.auth.StoreDelegatedToken(r.Context(), flow.ServerID, flow.ClientBinding, token); err != nil {
		httpError(w, http.StatusInternalServerError, "storage_failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": token.AccessToken,
		"token_type":   "bearer",
		"expires_in":   (token.ExpiresAtUnixMs - time.Now().UnixMilli()) / 1000,
		"scope":        strings.Join(token.Scope, " "),
	})
}

// exchangeCode performs the authorization-code grant.
func (c *Controller) exchangeCode(ctx context.Context, authCfg *config.AuthConfig, code, verifier, redirectURI string) (*pkgoauth.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", authCfg.ClientID)
	if authCfg.ClientSecret != "" {
		form.Set("client_secret", authCfg.ClientSecret)
	}
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authCfg.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	return pkgoauth.ParseTokenResponse(resp.Header.Get("Content-Type"), body)
}

// resolveProvider finds the backend whose flow this is: by server ID
// first, then by provider name.
func (c *Controller) resolveProvider(provider, serverID string) (string, *config.AuthConfig, error) {
	if serverID != "" {
		for _, server := range c.cfg.Servers {
			if server.ID == serverID && server.AuthConfig != nil {
				return server.ID, server.AuthConfig, nil
			}
		}
		return "", nil, fmt.Errorf("no OAuth configuration for server %q", serverID)
	}
	if provider != "" {
		for _, server := range c.cfg.Servers {
			if server.AuthConfig != nil && server.AuthConfig.Provider == provider {
				return server.ID, server.AuthConfig, nil
			}
		}
		return "", nil, fmt.Errorf("no server uses provider %q", provider)
	}
	return "", nil, fmt.Errorf("provider or server_id is required")
}

// checkEndpointSecurity rejects plaintext OAuth endpoints unless the
// insecure development flag is set.
func (c *Controller) checkEndpointSecurity(authCfg *config.AuthConfig) error {
	if c.cfg.Security.AllowInsecureOAuth {
		return nil
	}
	for _, endpoint := range []string{authCfg.AuthorizationEndpoint, authCfg.TokenEndpoint} {
		if endpoint != "" && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("OAuth endpoints must use https (set security.allow_insecure_oauth for development)")
		}
	}
	return nil
}

// validateReturnTo accepts a relative path or an absolute URL on the
// gateway's own origin. Everything else is an open-redirect vector.
func (c *Controller) validateReturnTo(returnTo string) (string, error) {
	if returnTo == "" {
		return "", nil
	}
	if strings.HasPrefix(returnTo, "/") && !strings.HasPrefix(returnTo, "//") {
		return returnTo, nil
	}

	parsed, err := url.Parse(returnTo)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("return_to must be a relative path or a same-origin URL")
	}
	base, err := url.Parse(c.cfg.Hosting.BaseURL)
	if err != nil || base.Host == "" || parsed.Host != base.Host || parsed.Scheme != base.Scheme {
		return "", fmt.Errorf("return_to must be a relative path or a same-origin URL")
	}
	return returnTo, nil
}

// redirectURI builds the callback URL. Production always derives it
// from the configured base, never from the incoming Host header.
func (c *Controller) redirectURI(r *http.Request) string {
	if c.cfg.Hosting.BaseURL != "" {
		return strings.TrimSuffix(c.cfg.Hosting.BaseURL, "/") + "/oauth/callback"
	}
	if c.env == config.EnvProduction {
		// Misconfiguration; the validator requires base_url in production
		// setups that use OAuth. Fall back rather than trust the Host
		// header.
		return "/oauth/callback"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/oauth/callback"
}

// clientBinding extracts the requesting client's identity: the bearer
// token when the flow is driven by an API client, empty for anonymous
// browser flows.
func clientBinding(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// callbackParams reads code/state/error from the query (GET) or the
// form body (response_mode=form_post).
func callbackParams(r *http.Request) (code, state, providerErr string) {
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		return r.PostForm.Get("code"), r.PostForm.Get("state"), r.PostForm.Get("error")
	}
	query := r.URL.Query()
	return query.Get("code"), query.Get("state"), query.Get("error")
}

func clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// renderError shows the category and a support reference, never tokens
// or codes.
func (c *Controller) renderError(w http.ResponseWriter, status int, category string, err error) {
	reference := uuid.NewString()
	logging.Error("OAuthFlow", err, "Flow failed category=%s reference=%s", category, reference)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html>
<html><head><title>Authentication failed</title></head>
<body>
<h1>Authentication failed</h1>
<p>Reason: <code>%s</code></p>
<p>Support reference: <code>%s</code></p>
</body></html>`, category, reference)
}

func (c *Controller) renderSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html>
<html><head><title>Authentication complete</title></head>
<body>
<h1>Authentication complete</h1>
<p>You can close this window and retry your request.</p>
</body></html>`)
}

func httpError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
