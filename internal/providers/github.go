package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"mcpgate/internal/config"
	"mcpgate/pkg/oauth"
)

const (
	githubAPIBase       = "https://api.github.com"
	githubTokenEndpoint = "https://github.com/login/oauth/access_token"

	// githubScopesHeader carries the comma-separated scope list GitHub
	// attaches to authenticated API responses.
	githubScopesHeader = "X-OAuth-Scopes"
)

// GitHub adapts GitHub's OAuth app model: access tokens are opaque and
// validated by calling the user endpoint.
type GitHub struct {
	cfg     *config.AuthConfig
	client  *http.Client
	apiBase string
}

func newGitHub(cfg *config.AuthConfig, client *http.Client) *GitHub {
	return &GitHub{cfg: cfg, client: client, apiBase: githubAPIBase}
}

func (g *GitHub) Name() string { return "github" }

// ValidateToken calls GET /user with the token. 2xx means valid, with
// the granted scopes read from the response header; 401/403 means
// invalid.
func (g *GitHub) ValidateToken(ctx context.Context, accessToken string) (*oauth.ValidationResult, error) {
	resp, err := g.getUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &oauth.ValidationResult{Valid: false}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("github user endpoint returned %s", resp.Status)
	}

	var user githubUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return nil, fmt.Errorf("malformed github user response: %w", err)
	}
	return &oauth.ValidationResult{
		Valid:   true,
		Subject: strconv.FormatInt(user.ID, 10),
		Scopes:  oauth.SplitScopes(resp.Header.Get(githubScopesHeader)),
	}, nil
}

// RefreshToken performs the refresh grant. Only GitHub Apps issue
// refresh tokens; classic OAuth app tokens do not expire.
func (g *GitHub) RefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	endpoint := g.cfg.TokenEndpoint
	if endpoint == "" {
		endpoint = githubTokenEndpoint
	}
	return refresh(ctx, g.client, g.cfg, endpoint, refreshToken)
}

// GetUserInfo fetches the user behind the token.
func (g *GitHub) GetUserInfo(ctx context.Context, accessToken string) (*oauth.UserInfo, error) {
	resp, err := g.getUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github user endpoint returned %s", resp.Status)
	}
	var user githubUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return nil, fmt.Errorf("malformed github user response: %w", err)
	}
	return &oauth.UserInfo{
		Subject: strconv.FormatInt(user.ID, 10),
		Email:   user.Email,
		Name:    user.Login,
	}, nil
}

func (g *GitHub) getUser(ctx context.Context, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBase+"/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	return g.client.Do(req)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}
