// Package oauth implements the gateway's OAuth flow controller: the
// /oauth/authorize, /oauth/callback, and /oauth/token endpoints that
// walk a browser through authorization-code + PKCE against a backend's
// provider and persist the resulting token for proxy auth.
//
// All per-flow secrets (the PKCE verifier in particular) live in
// server-side flow records keyed by the state parameter; the client
// only ever holds the state, bound to a hardened cookie.
package oauth
