package routing

import (
	"sync"
	"time"

	"mcpgate/internal/api"
	"mcpgate/pkg/logging"
)

// Health score tuning. Success credit decays once latency exceeds the
// budget; failures are penalized harder than successes are rewarded.
const (
	healthScoreMax  = 100.0
	healthKUp       = 2.0
	healthKDown     = 10.0
	latencyBudgetMs = 500.0
	defaultPickTTL  = 5 * time.Second
	initialHealth   = 100.0
)

// cacheEntry is an immutable resolution-cache record. Entries are
// swapped whole through a sync.Map so the read path takes no lock.
type cacheEntry struct {
	instance api.ServerInstance
	pickedAt time.Time
}

// Registry maps server IDs to their instances, maintains health scores,
// and answers Pick with a cached, circuit-filtered, load-balanced
// instance selection.
//
// The registry never calls Breaker.OnSuccess/OnFailure. Circuit state
// belongs to Breaker.Execute alone; MarkSuccess/MarkFailure only move
// health scores.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*api.LoadedServer

	breaker  *Breaker
	balancer *Balancer

	cache   sync.Map // serverID -> *cacheEntry
	pickTTL time.Duration
}

// NewRegistry creates a registry over the given breaker and balancer.
func NewRegistry(breaker *Breaker, balancer *Balancer) *Registry {
	return &Registry{
		servers:  make(map[string]*api.LoadedServer),
		breaker:  breaker,
		balancer: balancer,
		pickTTL:  defaultPickTTL,
	}
}

// UpdateServers replaces the server map. Health scores of surviving
// instances are preserved; new instances start at full health. Cache
// entries for removed servers are dropped.
func (r *Registry) UpdateServers(servers map[string]*api.LoadedServer) {
	r.mu.Lock()
	previous := r.servers
	next := make(map[string]*api.LoadedServer, len(servers))
	for id, server := range servers {
		copied := *server
		copied.Instances = make([]api.ServerInstance, len(server.Instances))
		copy(copied.Instances, server.Instances)
		for i := range copied.Instances {
			if copied.Instances[i].HealthScore == 0 {
				copied.Instances[i].HealthScore = initialHealth
			}
			if prev, ok := previous[id]; ok {
				for _, prevInstance := range prev.Instances {
					if prevInstance.ID == copied.Instances[i].ID {
						copied.Instances[i].HealthScore = prevInstance.HealthScore
					}
				}
			}
		}
		next[id] = &copied
	}
	r.servers = next
	r.mu.Unlock()

	r.cache.Range(func(key, _ any) bool {
		if _, ok := servers[key.(string)]; !ok {
			r.cache.Delete(key)
		}
		return true
	})
	logging.Debug("Routing", "Registry updated with %d servers", len(servers))
}

// Refresh drops the resolution cache, forcing fresh picks.
func (r *Registry) Refresh() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}

// Pick resolves a server ID to an instance: (a) serve from the
// resolution cache while fresh and still admitted by the circuit,
// (b) otherwise filter instances through Breaker.Allowed and delegate
// to the load balancer, caching the result.
func (r *Registry) Pick(serverID string) (api.ServerInstance, bool) {
	if raw, ok := r.cache.Load(serverID); ok {
		entry := raw.(*cacheEntry)
		if time.Since(entry.pickedAt) < r.pickTTL &&
			r.breaker.Allowed(InstanceKey(serverID, entry.instance.ID)) {
			return entry.instance, true
		}
		r.cache.CompareAndDelete(serverID, raw)
	}

	r.mu.RLock()
	server, ok := r.servers[serverID]
	if !ok {
		r.mu.RUnlock()
		return api.ServerInstance{}, false
	}
	candidates := make([]api.ServerInstance, 0, len(server.Instances))
	for _, instance := range server.Instances {
		if r.breaker.Allowed(InstanceKey(serverID, instance.ID)) {
			candidates = append(candidates, instance)
		}
	}
	r.mu.RUnlock()

	instance, err := r.balancer.Pick(serverID, candidates)
	if err != nil {
		return api.ServerInstance{}, false
	}

	r.cache.Store(serverID, &cacheEntry{instance: instance, pickedAt: time.Now()})
	return instance, true
}

// Candidates returns the instances of a server currently admitted by
// their circuits, in declaration order. Used by the router's failover
// path.
func (r *Registry) Candidates(serverID string) []api.ServerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.servers[serverID]
	if !ok {
		return nil
	}
	candidates := make([]api.ServerInstance, 0, len(server.Instances))
	for _, instance := range server.Instances {
		if r.breaker.Allowed(InstanceKey(serverID, instance.ID)) {
			candidates = append(candidates, instance)
		}
	}
	return candidates
}

// MarkSuccess rewards an instance's health score after a successful
// call. Credit decays once latency exceeds the budget.
func (r *Registry) MarkSuccess(serverID, instanceID string, latencyMs int64) {
	r.adjustHealth(serverID, instanceID, func(score float64) float64 {
		credit := healthKUp * latencyCredit(float64(latencyMs))
		if next := score + credit; next < healthScoreMax {
			return next
		}
		return healthScoreMax
	})
}

// MarkFailure penalizes an instance's health score after a failed call.
func (r *Registry) MarkFailure(serverID, instanceID string) {
	r.adjustHealth(serverID, instanceID, func(score float64) float64 {
		if next := score - healthKDown; next > 0 {
			return next
		}
		return 0
	})
}

func (r *Registry) adjustHealth(serverID, instanceID string, update func(float64) float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[serverID]
	if !ok {
		return
	}
	for i := range server.Instances {
		if server.Instances[i].ID == instanceID {
			server.Instances[i].HealthScore = update(server.Instances[i].HealthScore)
			return
		}
	}
}

// latencyCredit is 1 within the latency budget and decays
// proportionally beyond it.
func latencyCredit(latencyMs float64) float64 {
	if latencyMs <= latencyBudgetMs {
		return 1
	}
	return latencyBudgetMs / latencyMs
}

// Snapshot reports per-server health for the /health endpoint.
func (r *Registry) Snapshot() map[string]api.ServerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]api.ServerHealth, len(r.servers))
	for id, server := range r.servers {
		health := api.ServerHealth{Status: server.Status}
		for _, instance := range server.Instances {
			health.Instances = append(health.Instances, api.InstanceHealth{
				ID:          instance.ID,
				HealthScore: instance.HealthScore,
				Circuit:     string(r.breaker.State(InstanceKey(id, instance.ID))),
			})
		}
		snapshot[id] = health
	}
	return snapshot
}
