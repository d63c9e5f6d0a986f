// Package agent manages the live WebSocket connections of tool agents.
//
// # Manager
//
// The Manager tracks connected agents by ID:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Register(conn): Add a connection; a second live connection for the same ID is rejected
//   - Unregister(conn): Remove a connection, unless a newer one replaced it
//   - Resolve(agentID): Look up a sendable connection, used as the invoker's resolver
//   - ListAgents(): Get all connected agents
//   - CloseAll(): Close every connection during shutdown
//
// # Connection
//
// Connection wraps one socket. Writes go through a mutex because gorilla
// connections support a single concurrent writer, and each write carries a
// deadline taken from the caller's context or the default write timeout.
package agent
