// Package dispatch is the WebSocket JSON-RPC front of the broker.
//
// Agents and callers connect to /ws, optionally naming themselves with
// ?agent_id=. Every frame is a JSON-RPC 2.0 envelope. Frames with a method
// are requests:
//
//   - tools/register: register {tools:[...]} for this connection's agent ID
//   - tools/unregister: remove {name}, only by its owner
//   - tools/list, tools/search: read the catalog
//   - agents/list: IDs of agents offering tools
//   - tools/invoke: run {name, arguments} and reply with the InvocationResult
//   - invocations/history: recent outcomes, when history is enabled
//
// Frames without a method are an agent's answer to a tools/invoke the broker
// sent it, in either {result}/{error:{code,message}} or {data}/{error:"..."}
// form. When a connection closes its tools are unregistered and invocations
// routed to it fail immediately.
package dispatch
