package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/config"
)

func TestNewDispatchesByProviderName(t *testing.T) {
	client := http.DefaultClient

	p, err := New(&config.AuthConfig{Provider: "github"}, client)
	require.NoError(t, err)
	assert.IsType(t, &GitHub{}, p)

	p, err = New(&config.AuthConfig{Provider: "google"}, client)
	require.NoError(t, err)
	assert.IsType(t, &Google{}, p)

	p, err = New(&config.AuthConfig{Provider: "gitlab"}, client)
	require.NoError(t, err)
	assert.IsType(t, &OIDC{}, p)
	assert.Equal(t, "gitlab", p.Name())

	_, err = New(nil, client)
	assert.Error(t, err)
}

func TestGitHubValidateToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good-token":
			w.Header().Set("X-OAuth-Scopes", "repo, read:user")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 42, "login": "octocat", "email": "octo@example.com"}`))
		default:
			http.Error(w, "bad credentials", http.StatusUnauthorized)
		}
	}))
	t.Cleanup(backend.Close)

	gh := newGitHub(&config.AuthConfig{Provider: "github"}, backend.Client())
	gh.apiBase = backend.URL

	result, err := gh.ValidateToken(context.Background(), "good-token")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "42", result.Subject)
	assert.Equal(t, []string{"repo", "read:user"}, result.Scopes)

	result, err = gh.ValidateToken(context.Background(), "revoked")
	require.NoError(t, err, "a rejected token is not a transport error")
	assert.False(t, result.Valid)
}

func TestGitHubGetUserInfo(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7, "login": "hubot", "email": "hubot@example.com"}`))
	}))
	t.Cleanup(backend.Close)

	gh := newGitHub(&config.AuthConfig{Provider: "github"}, backend.Client())
	gh.apiBase = backend.URL

	info, err := gh.GetUserInfo(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "7", info.Subject)
	assert.Equal(t, "hubot", info.Name)
	assert.Equal(t, "hubot@example.com", info.Email)
}

func TestRefreshTokenJSONResponse(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "new-access", "refresh_token": "new-refresh", "expires_in": 1800, "scope": "repo"}`))
	}))
	t.Cleanup(endpoint.Close)

	gh := newGitHub(&config.AuthConfig{
		Provider:      "github",
		ClientID:      "cid",
		ClientSecret:  "secret",
		TokenEndpoint: endpoint.URL,
	}, endpoint.Client())

	token, err := gh.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token.AccessToken)
	assert.Equal(t, "new-refresh", token.RefreshToken)
	assert.Equal(t, []string{"repo"}, token.Scope)

	wantExpiry := time.Now().Add(1800 * time.Second).UnixMilli()
	assert.InDelta(t, wantExpiry, token.ExpiresAtUnixMs, 5000)
}

func TestRefreshTokenFormEncodedResponse(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte(`access_token=form-access&token_type=bearer&expires_in=600`))
	}))
	t.Cleanup(endpoint.Close)

	gh := newGitHub(&config.AuthConfig{
		Provider:      "github",
		ClientID:      "cid",
		TokenEndpoint: endpoint.URL,
	}, endpoint.Client())

	token, err := gh.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "form-access", token.AccessToken)
	assert.Equal(t, "old-refresh", token.RefreshToken, "previous refresh token survives when the provider does not rotate")
}

func TestRefreshTokenWithoutRefreshToken(t *testing.T) {
	gh := newGitHub(&config.AuthConfig{Provider: "github"}, http.DefaultClient)
	_, err := gh.RefreshToken(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh_failed")
}

func TestGoogleOpaqueTokenFallsBackToUserinfo(t *testing.T) {
	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer opaque-token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sub": "108", "email": "user@example.com", "name": "User"}`))
		default:
			http.Error(w, "invalid", http.StatusUnauthorized)
		}
	}))
	t.Cleanup(userinfo.Close)

	g := newGoogle(&config.AuthConfig{
		Provider:         "google",
		ClientID:         "cid",
		UserinfoEndpoint: userinfo.URL,
	}, userinfo.Client())

	result, err := g.ValidateToken(context.Background(), "opaque-token")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "108", result.Subject)

	result, err = g.ValidateToken(context.Background(), "revoked-token")
	require.NoError(t, err)
	assert.False(t, result.Valid)

	info, err := g.GetUserInfo(context.Background(), "opaque-token")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", info.Email)
}

func TestOIDCOpaqueAcceptWithoutJWKS(t *testing.T) {
	p := newOIDC(&config.AuthConfig{Provider: "internal"}, http.DefaultClient)

	result, err := p.ValidateToken(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, result.Valid, "without a JWKS the token is opaque and the backend enforces it")
}

func TestOIDCUserinfoRequiresEndpoint(t *testing.T) {
	p := newOIDC(&config.AuthConfig{Provider: "internal"}, http.DefaultClient)
	_, err := p.GetUserInfo(context.Background(), "tok")
	assert.Error(t, err)
}
