// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Describes component wiring order, listeners, and shutdown sequencing

// Package gateway assembles a running mcpgate.
//
// # Wiring
//
// New builds the components in dependency order:
//
//	store -> credentials -> token service -> tool registry
//	      -> request and exchange limiters -> audit logger
//	      -> metrics (optional) -> dispatcher -> HTTP API
//
// The audit logger writes to the SQLite store and, when audit.file_path is
// set, to an append-only JSONL file as well.
//
// # Listeners
//
// Run serves the HTTP API on server.http_addr and the gRPC health service
// on server.grpc_addr, or on the tailnet (:80 or :443 for HTTP, :50051 for
// gRPC) when tailscale.enabled is set.
//
// # Health
//
// /health reports liveness. /health/ready and the gRPC health service
// report NOT_SERVING while the audit sink is degraded. Requests are still
// admitted in that state until the audit backlog fills, after which they
// fail with 503.
//
// # Shutdown
//
// Shutdown stops the HTTP and gRPC servers first, then flushes the audit
// backlog into the store, and closes the store last.
package gateway
