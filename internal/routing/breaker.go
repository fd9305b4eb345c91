package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"mcpgate/pkg/logging"
)

// CircuitState is the admission state of a single instance circuit.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is the breaker's own refusal to admit a call. It never
// counts as a failure against the circuit that returned it.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig tunes the per-key circuit state machines.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes in half-open
	// that close the circuit again.
	SuccessThreshold int
	// RecoveryTimeout is how long an open circuit waits before admitting
	// a probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig matches the documented routing defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

type circuit struct {
	state            CircuitState
	failureCount     int
	successCount     int
	openedAt         time.Time
	halfOpenInFlight bool
}

// Breaker holds one circuit per instance key ("serverID::instanceID").
// Execute is the sole path that drives state transitions; everything
// else is read-only.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   BreakerConfig

	// now is swappable for tests. time.Now carries a monotonic reading,
	// so recovery timing is immune to wall-clock jumps.
	now func() time.Time

	// onTransition is notified after every state change. The hook runs
	// under the breaker lock and must not call back into the breaker.
	onTransition func(key string, from, to CircuitState)
}

// NewBreaker creates a breaker with the given thresholds. Zero values
// fall back to the defaults.
func NewBreaker(config BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		config:   config,
		now:      time.Now,
	}
}

// SetTransitionHook installs an observer for state changes, used to
// export transition counts.
func (b *Breaker) SetTransitionHook(hook func(key string, from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = hook
}

// InstanceKey builds the breaker key for a server instance.
func InstanceKey(serverID, instanceID string) string {
	return serverID + "::" + instanceID
}

func (b *Breaker) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// Allowed reports whether a call against the key would currently be
// admitted. It never mutates state, so it is safe to use for filtering
// candidate instances before load balancing.
func (b *Breaker) Allowed(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		return !c.halfOpenInFlight && b.now().Sub(c.openedAt) >= b.config.RecoveryTimeout
	case StateHalfOpen:
		return !c.halfOpenInFlight
	}
	return false
}

// State returns the current state of a key's circuit.
func (b *Breaker) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// RecoveryRemaining returns how long until an open circuit admits a
// probe. Zero for circuits that are not open or already past recovery.
func (b *Breaker) RecoveryRemaining(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state != StateOpen {
		return 0
	}
	remaining := b.config.RecoveryTimeout - b.now().Sub(c.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute admits fn through the key's circuit. An open circuit past its
// recovery timeout transitions to half-open and admits exactly one
// probe; concurrent probe attempts are refused with ErrCircuitOpen.
//
// A fn failure counts against the circuit unless the surrounding
// context was cancelled by the caller, in which case the attempt counts
// as neither success nor failure.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	c := b.get(key)
	switch c.state {
	case StateOpen:
		if c.halfOpenInFlight || b.now().Sub(c.openedAt) < b.config.RecoveryTimeout {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		b.transition(key, c, StateHalfOpen)
		c.halfOpenInFlight = true
	case StateHalfOpen:
		if c.halfOpenInFlight {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		c.halfOpenInFlight = true
	}
	b.mu.Unlock()

	result, err := fn(ctx)

	if err != nil && ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Client abort: release the probe slot without poisoning the
		// circuit either way.
		b.mu.Lock()
		c.halfOpenInFlight = false
		b.mu.Unlock()
		return result, err
	}

	if err != nil {
		b.OnFailure(key)
		return result, err
	}
	b.OnSuccess(key)
	return result, nil
}

// OnSuccess records a successful call. Only Execute may invoke it.
func (b *Breaker) OnSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.halfOpenInFlight = false
	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= b.config.SuccessThreshold {
			b.transition(key, c, StateClosed)
		}
	}
}

// OnFailure records a failed call. Only Execute may invoke it.
func (b *Breaker) OnFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.halfOpenInFlight = false
	switch c.state {
	case StateClosed:
		c.failureCount++
		if c.failureCount >= b.config.FailureThreshold {
			b.transition(key, c, StateOpen)
		}
	case StateHalfOpen:
		b.transition(key, c, StateOpen)
	}
}

// transition moves a circuit to a new state, resetting counters. Caller
// holds b.mu.
func (b *Breaker) transition(key string, c *circuit, next CircuitState) {
	prev := c.state
	c.state = next
	c.failureCount = 0
	c.successCount = 0
	if next == StateOpen {
		c.openedAt = b.now()
	}
	if b.onTransition != nil {
		b.onTransition(key, prev, next)
	}
	logging.Debug("Breaker", "Circuit %s: %s -> %s", key, prev, next)
}
