package routing

import (
	"errors"
	"math/rand/v2"
	"sync"

	"mcpgate/internal/api"
)

// Strategy names a load-balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyHealth     Strategy = "health"
)

// ErrNoHealthyInstance is returned when the candidate list is empty,
// i.e. every instance of a server has its circuit open.
var ErrNoHealthyInstance = errors.New("no healthy instance")

// Balancer selects one instance from a pre-filtered candidate list.
// Callers filter by Breaker.Allowed before delegating here; the
// balancer itself knows nothing about circuits.
type Balancer struct {
	strategy Strategy

	mu      sync.Mutex
	cursors map[string]int

	// randFloat is swappable for tests of the weighted strategy.
	randFloat func() float64
}

// NewBalancer creates a balancer. Unknown strategies fall back to
// round_robin.
func NewBalancer(strategy Strategy) *Balancer {
	switch strategy {
	case StrategyRoundRobin, StrategyWeighted, StrategyHealth:
	default:
		strategy = StrategyRoundRobin
	}
	return &Balancer{
		strategy:  strategy,
		cursors:   make(map[string]int),
		randFloat: rand.Float64,
	}
}

// Strategy returns the configured strategy name.
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Pick selects an instance from candidates for the given key. The key
// scopes the round-robin cursor, typically the server ID.
func (b *Balancer) Pick(key string, candidates []api.ServerInstance) (api.ServerInstance, error) {
	if len(candidates) == 0 {
		return api.ServerInstance{}, ErrNoHealthyInstance
	}

	switch b.strategy {
	case StrategyWeighted:
		return b.pickWeighted(candidates), nil
	case StrategyHealth:
		return b.pickHealth(key, candidates), nil
	default:
		return b.pickRoundRobin(key, candidates), nil
	}
}

func (b *Balancer) pickRoundRobin(key string, candidates []api.ServerInstance) api.ServerInstance {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := b.cursors[key]
	b.cursors[key] = cursor + 1
	return candidates[cursor%len(candidates)]
}

// pickWeighted draws an instance with probability proportional to its
// weight. A missing weight counts as 1. This is a probabilistic draw,
// not weighted round-robin.
func (b *Balancer) pickWeighted(candidates []api.ServerInstance) api.ServerInstance {
	total := 0.0
	for _, instance := range candidates {
		total += effectiveWeight(instance)
	}

	draw := b.randFloat() * total
	cumulative := 0.0
	for _, instance := range candidates {
		cumulative += effectiveWeight(instance)
		if draw < cumulative {
			return instance
		}
	}
	return candidates[len(candidates)-1]
}

// pickHealth selects the instance with the highest health score. Ties
// among top-scoring instances rotate via the round-robin cursor.
func (b *Balancer) pickHealth(key string, candidates []api.ServerInstance) api.ServerInstance {
	best := candidates[0].HealthScore
	for _, instance := range candidates[1:] {
		if instance.HealthScore > best {
			best = instance.HealthScore
		}
	}

	var top []api.ServerInstance
	for _, instance := range candidates {
		if instance.HealthScore == best {
			top = append(top, instance)
		}
	}
	if len(top) == 1 {
		return top[0]
	}
	return b.pickRoundRobin(key, top)
}

func effectiveWeight(instance api.ServerInstance) float64 {
	if instance.Weight <= 0 {
		return 1
	}
	return instance.Weight
}
