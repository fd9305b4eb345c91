// Package auth decides what credentials accompany a forwarded request.
//
// Each backend declares one of four strategies: master_oauth forwards
// the validated client token, bypass_auth forwards nothing,
// delegate_oauth answers with a structured delegation instructing the
// client to complete OAuth against the backend's provider, and
// proxy_oauth injects a stored backend token, refreshing it when it is
// about to expire.
package auth
