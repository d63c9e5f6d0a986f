// Package mcp exposes the broker's tool catalog over the Model Context Protocol.
//
// # Overview
//
// MCP clients (desktop assistants, IDE agents, other LLM hosts) speak JSON-RPC
// 2.0 over the Streamable HTTP transport. This package mounts a single /mcp
// endpoint on the gateway's HTTP mux so those clients can discover and call
// any tool that a connected agent has registered, without speaking the
// broker's own WebSocket protocol.
//
// # Sessions
//
// A client starts with initialize. The response carries an Mcp-Session-Id
// header that every later request must echo:
//
//   - missing header: 400 Bad Request
//   - unknown or terminated session: 404 Not Found (the client re-initializes)
//   - DELETE /mcp with the header ends the session (204)
//
// Sessions live in memory and do not survive a restart.
//
// # Methods
//
//   - initialize: create a session and advertise the tools capability
//   - ping: liveness check
//   - tools/list: every registered tool with its input schema
//   - tools/call: invoke a tool through the broker's invoker
//
// tools/call routes through the same path as the WebSocket tools/invoke
// method, so arguments are validated against the tool's schema, the
// invocation timeout applies and invocation events are published. A failed
// invocation is returned as a result with isError set and the failure message
// as text content. Only malformed calls (no name, unknown tool) produce a
// JSON-RPC error.
//
// # Usage
//
//	server, err := mcp.NewServer(mcp.Config{
//	    Registry: registry,
//	    Invoker:  invoker,
//	    Logger:   logger,
//	})
//	server.RegisterRoutes(mux)
package mcp
