// Package oauth provides OAuth 2.0 primitives shared by the gateway's
// authentication plane: PKCE and state generation, token types, and
// token-endpoint response parsing.
package oauth

import (
	"encoding/json"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// defaultExpiresIn is applied when a token response omits expires_in.
const defaultExpiresIn = 3600

// Token is an OAuth token as persisted by the token store and handed
// between the auth manager and provider adapters.
type Token struct {
	AccessToken     string   `json:"access_token"`
	RefreshToken    string   `json:"refresh_token,omitempty"`
	ExpiresAtUnixMs int64    `json:"expires_at_unix_ms"`
	Scope           []string `json:"scope,omitempty"`
}

// ExpiresAt returns the expiry as a time.Time.
func (t *Token) ExpiresAt() time.Time {
	return time.UnixMilli(t.ExpiresAtUnixMs)
}

// IsExpired reports whether the token is expired or will expire within
// the given margin. The margin accounts for clock skew and the time a
// forwarded request spends in flight.
func (t *Token) IsExpired(margin time.Duration) bool {
	if t.ExpiresAtUnixMs == 0 {
		return false
	}
	return time.Now().Add(margin).UnixMilli() >= t.ExpiresAtUnixMs
}

// UserInfo is the subset of provider user information the gateway cares
// about.
type UserInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ValidationResult is the outcome of validating an access token against
// a provider.
type ValidationResult struct {
	Valid   bool
	Subject string
	Scopes  []string
	Expiry  time.Time
}

// tokenResponse mirrors the JSON shape of an RFC 6749 token response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// TokenEndpointError is a structured error returned by a token endpoint.
type TokenEndpointError struct {
	Code        string
	Description string
}

func (e *TokenEndpointError) Error() string {
	if e.Description != "" {
		return "token endpoint error: " + e.Code + ": " + e.Description
	}
	return "token endpoint error: " + e.Code
}

// ParseTokenResponse decodes a token-endpoint response body. Providers
// answer with either JSON or (GitHub, notably) form-encoded bodies; both
// are accepted. A missing expires_in defaults to 3600 seconds.
func ParseTokenResponse(contentType string, body []byte) (*Token, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	var resp tokenResponse
	switch {
	case strings.Contains(mediaType, "json"):
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
	default:
		values, err := url.ParseQuery(strings.TrimSpace(string(body)))
		if err != nil {
			return nil, err
		}
		resp.AccessToken = values.Get("access_token")
		resp.RefreshToken = values.Get("refresh_token")
		resp.Scope = values.Get("scope")
		resp.Error = values.Get("error")
		resp.ErrorDesc = values.Get("error_description")
		if raw := values.Get("expires_in"); raw != "" {
			resp.ExpiresIn, _ = strconv.ParseInt(raw, 10, 64)
		}
	}

	if resp.Error != "" {
		return nil, &TokenEndpointError{Code: resp.Error, Description: resp.ErrorDesc}
	}
	if resp.AccessToken == "" {
		return nil, &TokenEndpointError{Code: "invalid_response", Description: "missing access_token"}
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	return &Token{
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		ExpiresAtUnixMs: time.Now().UnixMilli() + expiresIn*1000,
		Scope:           SplitScopes(resp.Scope),
	}, nil
}

// SplitScopes splits a scope string on spaces or commas (GitHub uses
// commas in its x-oauth-scopes header).
func SplitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
	scopes := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
