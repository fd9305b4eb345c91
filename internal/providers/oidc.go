package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"mcpgate/internal/config"
	"mcpgate/pkg/oauth"
)

var errInvalidToken = errors.New("token rejected by provider")

// OIDC is the generic adapter for custom providers. With a configured
// jwks_uri, tokens verify as JWTs; without one, tokens are opaque and
// accepted as-is (the backend enforces them).
type OIDC struct {
	cfg    *config.AuthConfig
	client *http.Client

	keySetOnce sync.Once
	keySet     oidc.KeySet
}

func newOIDC(cfg *config.AuthConfig, client *http.Client) *OIDC {
	return &OIDC{cfg: cfg, client: client}
}

func (p *OIDC) Name() string {
	if p.cfg.Provider != "" {
		return p.cfg.Provider
	}
	return "oidc"
}

// ValidateToken verifies JWTs when a JWKS is configured; otherwise the
// token is opaque and accepted.
func (p *OIDC) ValidateToken(ctx context.Context, accessToken string) (*oauth.ValidationResult, error) {
	if p.cfg.JWKSURI == "" {
		return &oauth.ValidationResult{Valid: true}, nil
	}

	verifier := oidc.NewVerifier(p.cfg.Issuer, p.keys(), &oidc.Config{
		ClientID:          p.cfg.ClientID,
		SkipClientIDCheck: p.cfg.ClientID == "",
		SkipIssuerCheck:   p.cfg.Issuer == "",
	})
	idToken, err := verifier.Verify(ctx, accessToken)
	if err != nil {
		return &oauth.ValidationResult{Valid: false}, nil
	}
	return &oauth.ValidationResult{
		Valid:   true,
		Subject: idToken.Subject,
		Expiry:  idToken.Expiry,
	}, nil
}

// RefreshToken performs the refresh grant against the configured token
// endpoint.
func (p *OIDC) RefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	return refresh(ctx, p.client, p.cfg, p.cfg.TokenEndpoint, refreshToken)
}

// GetUserInfo fetches the user from the configured userinfo endpoint.
func (p *OIDC) GetUserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error) {
	if p.cfg.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("provider %s has no userinfo endpoint configured", p.Name())
	}
	info, err := fetchUserinfo(ctx, p.client, p.cfg.UserinfoEndpoint, accessToken)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errInvalidToken
	}
	return info, nil
}

func (p *OIDC) keys() oidc.KeySet {
	p.keySetOnce.Do(func() {
		p.keySet = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), p.client), p.cfg.JWKSURI)
	})
	return p.keySet
}

// fetchUserinfo calls an OIDC userinfo endpoint. A 401/403 answer means
// the token is invalid and returns (nil, nil); other failures are
// errors.
func fetchUserinfo(ctx context.Context, client *http.Client, endpoint, accessToken string) (*oauth.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("userinfo endpoint returned %s", resp.Status)
	}

	var info oauth.UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("malformed userinfo response: %w", err)
	}
	return &info, nil
}
