package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"mcpgate/internal/api"
	"mcpgate/internal/config"
	"mcpgate/pkg/oauth"
)

// Provider is the capability set the auth manager needs from an OAuth
// provider.
type Provider interface {
	// Name identifies the adapter for logging.
	Name() string
	// ValidateToken checks an access token. An invalid token is a
	// ValidationResult with Valid=false, not an error; errors mean the
	// provider could not be asked.
	ValidateToken(ctx context.Context, accessToken string) (*oauth.ValidationResult, error)
	// RefreshToken exchanges a refresh token for a fresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error)
	// GetUserInfo fetches the user behind an access token.
	GetUserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error)
}

// New builds the adapter matching the configured provider name. Unknown
// names get the generic OIDC adapter.
func New(cfg *config.AuthConfig, client *http.Client) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider requires an auth_config")
	}
	if client == nil {
		client = http.DefaultClient
	}
	switch cfg.Provider {
	case "github":
		return newGitHub(cfg, client), nil
	case "google":
		return newGoogle(cfg, client), nil
	default:
		return newOIDC(cfg, client), nil
	}
}

// refresh performs a refresh-token grant against the given token
// endpoint. Both JSON and form-encoded responses are handled by the
// oauth2 transport.
func refresh(ctx context.Context, client *http.Client, cfg *config.AuthConfig, tokenEndpoint, refreshToken string) (*oauth.Token, error) {
	if refreshToken == "" {
		return nil, api.NewError(api.CodeRefreshFailed, api.CategoryAuth, "no refresh token available")
	}
	if tokenEndpoint == "" {
		return nil, api.NewError(api.CodeRefreshFailed, api.CategoryAuth, "no token endpoint configured")
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenEndpoint},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, api.WrapError(api.CodeRefreshFailed, api.CategoryAuth, "token refresh failed", err)
	}
	return fromOAuth2Token(refreshed, refreshToken), nil
}

// fromOAuth2Token maps an oauth2 token into the store's shape. A
// provider that rotates refresh tokens wins over the one we sent.
func fromOAuth2Token(tok *oauth2.Token, previousRefresh string) *oauth.Token {
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefresh
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}

	var scopes []string
	if raw, ok := tok.Extra("scope").(string); ok {
		scopes = oauth.SplitScopes(raw)
	}
	return &oauth.Token{
		AccessToken:     tok.AccessToken,
		RefreshToken:    refreshToken,
		ExpiresAtUnixMs: expiresAt.UnixMilli(),
		Scope:           scopes,
	}
}
