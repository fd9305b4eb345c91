package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"mcpgate/internal/api"
	"mcpgate/internal/config"
)

// masterValidator checks the client tokens presented to the gateway.
// With a configured JWKS, tokens verify as JWTs with issuer and
// audience checks. Without one, opaque tokens pass and tokens that
// happen to be JWTs only get their expiry enforced.
type masterValidator struct {
	cfg    *config.MasterOAuthConfig
	client *http.Client

	keySetOnce sync.Once
	keySet     oidc.KeySet

	now func() time.Time
}

func newMasterValidator(cfg *config.MasterOAuthConfig, client *http.Client) *masterValidator {
	return &masterValidator{cfg: cfg, client: client, now: time.Now}
}

func (v *masterValidator) validate(ctx context.Context, clientToken string) error {
	if clientToken == "" {
		return api.NewError(api.CodeInvalidClientToken, api.CategoryAuth, "missing client token")
	}

	if v.cfg.JWKSURI != "" {
		return v.verifyJWT(ctx, clientToken)
	}

	if exp, ok := parseJWTExpiry(clientToken); ok && v.now().After(exp) {
		return api.NewError(api.CodeInvalidClientToken, api.CategoryAuth, "client token expired")
	}
	return nil
}

func (v *masterValidator) verifyJWT(ctx context.Context, clientToken string) error {
	audience := v.cfg.Audience
	if audience == "" {
		audience = v.cfg.ClientID
	}
	verifier := oidc.NewVerifier(v.cfg.Issuer, v.keys(), &oidc.Config{
		ClientID:          audience,
		SkipClientIDCheck: audience == "",
		SkipIssuerCheck:   v.cfg.Issuer == "",
	})
	if _, err := verifier.Verify(ctx, clientToken); err != nil {
		return api.WrapError(api.CodeInvalidClientToken, api.CategoryAuth, "client token rejected", err)
	}
	return nil
}

func (v *masterValidator) keys() oidc.KeySet {
	v.keySetOnce.Do(func() {
		v.keySet = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), v.client), v.cfg.JWKSURI)
	})
	return v.keySet
}

// parseJWTExpiry extracts the exp claim from a token that looks like a
// JWT, without verifying the signature. Non-JWT tokens return ok=false.
func parseJWTExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
