// Package gateway orchestrates the tool broker server components.
//
// # Overview
//
// The Gateway owns the event broadcaster, tool registry, invoker, agent
// manager and dispatch handler, plus the optional history store and metrics.
// New wires them together and starts the background workers; Run serves HTTP
// and gRPC until its context is canceled.
//
// # HTTP
//
//   - GET /ws - WebSocket JSON-RPC endpoint for agents and callers
//   - POST/DELETE /mcp - MCP Streamable HTTP endpoint (see package mcp)
//   - GET /health - Liveness check
//   - GET /health/ready - 503 until at least one agent is connected
//   - GET /api/tools - Tool catalog, ?q= to search
//   - GET /api/agents - Live connections with the tools they own
//   - GET /api/invocations - Invocation history when a database is configured
//   - GET /metrics - Prometheus metrics when enabled
//
// # gRPC
//
// The gRPC listener carries the standard health service. The empty service
// name reports liveness; HealthService mirrors /health/ready.
//
// # Shutdown
//
// Shutdown stops both servers, resolves every pending invocation as
// cancelled, closes all connections, waits for their loops to finish and
// clears the registry before closing the store.
package gateway
