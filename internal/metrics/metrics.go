// Package metrics exports the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gateway's collectors. One instance lives for the
// whole process; hot reloads do not recreate it.
type Metrics struct {
	registry *prometheus.Registry

	// RouterCalls counts forwarded calls by server and outcome
	// (success, error, circuit_open, no_route, delegation).
	RouterCalls *prometheus.CounterVec

	// RouterLatency observes end-to-end forward latency per server.
	RouterLatency *prometheus.HistogramVec

	// BreakerTransitions counts circuit state changes by target state.
	BreakerTransitions *prometheus.CounterVec

	// RetryAttempts counts per-call attempt totals beyond the first.
	RetryAttempts *prometheus.CounterVec

	// DiscoveryDuration observes one full discovery pass.
	DiscoveryDuration prometheus.Histogram

	// TokenRefreshes counts proxy-auth refreshes by outcome.
	TokenRefreshes *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RouterCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Subsystem: "router",
			Name:      "calls_total",
			Help:      "Forwarded calls by server and outcome.",
		}, []string{"server", "outcome"}),
		RouterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Subsystem: "router",
			Name:      "call_duration_seconds",
			Help:      "Forward latency per server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit state transitions by resulting state.",
		}, []string{"state"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retry attempts (excluding the first try) by server.",
		}, []string{"server"}),
		DiscoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Subsystem: "aggregator",
			Name:      "discovery_duration_seconds",
			Help:      "Duration of a full discovery pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Proxy token refreshes by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
