package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/auth"
	"mcpgate/internal/config"
	"mcpgate/internal/tokens"
	"mcpgate/pkg/crypto"
	pkgoauth "mcpgate/pkg/oauth"
)

func testConfig(authEndpoint, tokenEndpoint string) *config.MasterConfig {
	return &config.MasterConfig{
		Hosting: config.HostingConfig{Port: 3000, BaseURL: "https://mcp.example"},
		Security: config.SecurityConfig{
			AllowInsecureOAuth: true,
		},
		Servers: []config.ServerConfig{{
			ID:           "S",
			Endpoint:     "http://backend:4001",
			AuthStrategy: config.StrategyProxyOAuth,
			AuthConfig: &config.AuthConfig{
				Provider:              "github",
				ClientID:              "cid",
				ClientSecret:          "csecret",
				AuthorizationEndpoint: authEndpoint,
				TokenEndpoint:         tokenEndpoint,
				Scopes:                []string{"openid"},
			},
		}},
	}
}

func newTestController(t *testing.T, cfg *config.MasterConfig, client *http.Client) (*Controller, *tokens.Store) {
	t.Helper()
	key, err := crypto.RandomBytes(crypto.KeySize)
	require.NoError(t, err)
	store, err := tokens.NewStore(tokens.NewMemoryBackend(), key)
	require.NoError(t, err)
	authMgr, err := auth.NewManager(cfg, store, client)
	require.NoError(t, err)
	return NewController(cfg, config.EnvTest, authMgr, client), store
}

func doAuthorize(t *testing.T, c *Controller, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer client-token")
	rec := httptest.NewRecorder()
	c.Authorize(rec, req)
	return rec
}

func TestAuthorizeCallbackRoundTrip(t *testing.T) {
	var seenChallenge string
	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "abc", r.Form.Get("code"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, "csecret", r.Form.Get("client_secret"))
		assert.Equal(t, "https://mcp.example/oauth/callback", r.Form.Get("redirect_uri"))
		assert.True(t, pkgoauth.VerifyPKCE(r.Form.Get("code_verifier"), seenChallenge),
			"the exchanged verifier must hash to the challenge sent on authorize")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"AT","refresh_token":"RT","expires_in":3600,"scope":"openid"}`))
	}))
	t.Cleanup(tokenEndpoint.Close)

	cfg := testConfig("https://provider.example/authorize", tokenEndpoint.URL)
	c, store := newTestController(t, cfg, tokenEndpoint.Client())

	// Authorize: 302 to the provider with PKCE, and a hardened state
	// cookie.
	rec := doAuthorize(t, c, "/oauth/authorize?server_id=S&return_to=/app")
	require.Equal(t, http.StatusFound, rec.Code)

	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	params := redirect.Query()
	assert.Equal(t, "code", params.Get("response_type"))
	assert.Equal(t, "cid", params.Get("client_id"))
	assert.Equal(t, "S256", params.Get("code_challenge_method"))
	assert.NotEmpty(t, params.Get("code_challenge"))
	assert.NotEmpty(t, params.Get("state"))
	assert.Equal(t, "openid", params.Get("scope"))
	seenChallenge = params.Get("code_challenge")
	state := params.Get("state")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, stateCookie, cookie.Name)
	assert.Equal(t, state, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	// Callback with matching cookie: exchanges the code, stores the
	// token, redirects to return_to.
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(state), nil)
	req.AddCookie(cookie)
	callbackRec := httptest.NewRecorder()
	c.Callback(callbackRec, req)

	require.Equal(t, http.StatusFound, callbackRec.Code)
	assert.Equal(t, "/app", callbackRec.Header().Get("Location"))

	stored, ok := store.Get(context.Background(), tokens.Key("S", "client-token"))
	require.True(t, ok)
	assert.Equal(t, "AT", stored.AccessToken)
	assert.Equal(t, "RT", stored.RefreshToken)
	assert.InDelta(t, time.Now().Add(time.Hour).UnixMilli(), stored.ExpiresAtUnixMs, 5000)

	// Replayed state: single-use consumption makes it invalid.
	replayRec := httptest.NewRecorder()
	replayReq := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(state), nil)
	replayReq.AddCookie(cookie)
	c.Callback(replayRec, replayReq)
	assert.Equal(t, http.StatusBadRequest, replayRec.Code)
	assert.Contains(t, replayRec.Body.String(), "state_invalid")
}

func TestCallbackRejectsCookieMismatch(t *testing.T) {
	cfg := testConfig("https://provider.example/authorize", "https://provider.example/token")
	c, _ := newTestController(t, cfg, nil)

	rec := doAuthorize(t, c, "/oauth/authorize?server_id=S")
	require.Equal(t, http.StatusFound, rec.Code)
	redirect, _ := url.Parse(rec.Header().Get("Location"))
	state := redirect.Query().Get("state")

	// No cookie at all.
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state="+url.QueryEscape(state), nil)
	callbackRec := httptest.NewRecorder()
	c.Callback(callbackRec, req)
	assert.Equal(t, http.StatusBadRequest, callbackRec.Code)
	assert.Contains(t, callbackRec.Body.String(), "state_invalid")
}

func TestCallbackProviderError(t *testing.T) {
	cfg := testConfig("https://provider.example/authorize", "https://provider.example/token")
	c, _ := newTestController(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	c.Callback(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_cancelled")
}

func TestAuthorizeValidatesReturnTo(t *testing.T) {
	cfg := testConfig("https://provider.example/authorize", "https://provider.example/token")
	c, _ := newTestController(t, cfg, nil)

	for _, bad := range []string{
		"//evil.example/phish",
		"https://evil.example/phish",
		"javascript:alert(1)",
	} {
		rec := doAuthorize(t, c, "/oauth/authorize?server_id=S&return_to="+url.QueryEscape(bad))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "return_to %q must be rejected", bad)
	}

	for _, good := range []string{
		"/app",
		"https://mcp.example/app",
	} {
		rec := doAuthorize(t, c, "/oauth/authorize?server_id=S&return_to="+url.QueryEscape(good))
		assert.Equal(t, http.StatusFound, rec.Code, "return_to %q must be accepted", good)
	}
}

func TestAuthorizeRejectsPlaintextEndpoints(t *testing.T) {
	cfg := testConfig("http://provider.example/authorize", "http://provider.example/token")
	cfg.Security.AllowInsecureOAuth = false
	c, _ := newTestController(t, cfg, nil)

	rec := doAuthorize(t, c, "/oauth/authorize?server_id=S")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "misconfiguration")
}

func TestAuthorizeUnknownProvider(t *testing.T) {
	cfg := testConfig("https://provider.example/authorize", "https://provider.example/token")
	c, _ := newTestController(t, cfg, nil)

	rec := doAuthorize(t, c, "/oauth/authorize?server_id=ghost")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doAuthorize(t, c, "/oauth/authorize")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeResolvesByProviderName(t *testing.T) {
	cfg := testConfig("https://provider.example/authorize", "https://provider.example/token")
	c, _ := newTestController(t, cfg, nil)

	rec := doAuthorize(t, c, "/oauth/authorize?provider=github")
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestFlowStoreSweep(t *testing.T) {
	store := newFlowStore()
	store.Put(&FlowData{State: "fresh", CreatedAt: time.Now()})
	store.Put(&FlowData{State: "stale", CreatedAt: time.Now().Add(-flowTTL - time.Minute)})

	assert.Equal(t, 1, store.sweep())
	_, ok := store.Consume("fresh")
	assert.True(t, ok)
	_, ok = store.Consume("stale")
	assert.False(t, ok)
}

func TestFlowStoreConsumeExpired(t *testing.T) {
	store := newFlowStore()
	store.Put(&FlowData{State: "old", CreatedAt: time.Now().Add(-flowTTL - time.Second)})
	_, ok := store.Consume("old")
	assert.False(t, ok, "expired flows are rejected even before the sweeper runs")
}
