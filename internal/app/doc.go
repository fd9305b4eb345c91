// Package app owns process lifecycle: it wires the gateway's
// components in dependency order, serves the inbound HTTP surface, and
// swaps the routing subgraph atomically on config hot-reload while
// in-flight requests finish against the old one.
package app
