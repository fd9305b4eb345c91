// Package router forwards client invocations to the owning backend:
// resolve the aggregated name, pick a healthy instance, prepare auth,
// and run the HTTP call through the circuit breaker and retry engine.
//
// Failures come back as structured results with stable error codes and
// a correlation ID, never as raw backend errors.
package router
