// Package api holds the contract types shared across the gateway's
// components: the MCP-style wire structs exchanged with clients and
// backends, the delegation payload, the server/instance registry types,
// and the gateway error taxonomy.
//
// Components communicate through these types instead of importing each
// other, which keeps the dependency graph one-directional (crypto and
// stores at the bottom, router and container at the top).
package api
