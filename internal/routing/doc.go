// Package routing implements the gateway's resilience plane: the
// per-instance circuit breaker, the bounded retry engine, the
// load-balancing strategies, and the route registry that combines them
// to select a healthy instance for a backend.
//
// Responsibility split, deliberately strict:
//
//   - Breaker state is mutated only inside Breaker.Execute (via
//     OnSuccess/OnFailure). Allowed is a read-only filter.
//   - The registry never touches breaker counters; it maintains the
//     separate 0..100 health scores consumed by the "health" strategy.
package routing
