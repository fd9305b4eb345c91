package providers

import (
	"context"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"mcpgate/internal/config"
	"mcpgate/pkg/logging"
	"mcpgate/pkg/oauth"
)

const (
	googleJWKSURI       = "https://www.googleapis.com/oauth2/v3/certs"
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	googleUserinfo      = "https://openidconnect.googleapis.com/v1/userinfo"
)

// googleIssuers are the two issuer spellings Google uses in ID tokens.
var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// Google adapts Google's OIDC provider: ID tokens verify against the
// Google JWKS, opaque access tokens fall back to the userinfo endpoint.
type Google struct {
	cfg    *config.AuthConfig
	client *http.Client

	keySetOnce sync.Once
	keySet     oidc.KeySet
}

func newGoogle(cfg *config.AuthConfig, client *http.Client) *Google {
	return &Google{cfg: cfg, client: client}
}

func (g *Google) Name() string { return "google" }

// ValidateToken verifies the token as a JWT first. Tokens that do not
// parse as JWTs are treated as opaque access tokens and checked against
// the userinfo endpoint.
func (g *Google) ValidateToken(ctx context.Context, accessToken string) (*oauth.ValidationResult, error) {
	verifier := oidc.NewVerifier("", g.keys(ctx), &oidc.Config{
		ClientID:        g.cfg.ClientID,
		SkipIssuerCheck: true,
	})

	idToken, err := verifier.Verify(ctx, accessToken)
	if err == nil {
		if !googleIssuers[idToken.Issuer] {
			return &oauth.ValidationResult{Valid: false}, nil
		}
		return &oauth.ValidationResult{
			Valid:   true,
			Subject: idToken.Subject,
			Expiry:  idToken.Expiry,
		}, nil
	}
	logging.Debug("Providers", "Google JWT verification failed, trying userinfo: %v", err)

	info, err := fetchUserinfo(ctx, g.client, g.userinfoEndpoint(), accessToken)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return &oauth.ValidationResult{Valid: false}, nil
	}
	return &oauth.ValidationResult{Valid: true, Subject: info.Subject}, nil
}

// RefreshToken performs the refresh grant against Google's token
// endpoint.
func (g *Google) RefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	endpoint := g.cfg.TokenEndpoint
	if endpoint == "" {
		endpoint = googleTokenEndpoint
	}
	return refresh(ctx, g.client, g.cfg, endpoint, refreshToken)
}

// GetUserInfo fetches the user behind the token from the userinfo
// endpoint.
func (g *Google) GetUserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error) {
	info, err := fetchUserinfo(ctx, g.client, g.userinfoEndpoint(), accessToken)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errInvalidToken
	}
	return info, nil
}

func (g *Google) userinfoEndpoint() string {
	if g.cfg.UserinfoEndpoint != "" {
		return g.cfg.UserinfoEndpoint
	}
	return googleUserinfo
}

func (g *Google) keys(ctx context.Context) oidc.KeySet {
	g.keySetOnce.Do(func() {
		jwksURI := g.cfg.JWKSURI
		if jwksURI == "" {
			jwksURI = googleJWKSURI
		}
		g.keySet = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), g.client), jwksURI)
	})
	return g.keySet
}
