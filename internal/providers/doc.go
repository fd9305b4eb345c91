// Package providers adapts the OAuth providers backends authenticate
// against to one capability set: validate an access token, refresh a
// token, and fetch user info.
//
// Three adapters cover the configured provider space: GitHub (opaque
// access tokens, scopes from the x-oauth-scopes header), Google (OIDC
// ID-token verification with a userinfo fallback for opaque tokens),
// and a generic OIDC adapter for everything else.
package providers
