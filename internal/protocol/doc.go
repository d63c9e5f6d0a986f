// Package protocol defines the JSON-RPC 2.0 wire format of the broker.
//
// Every message on an agent or caller connection is a single JSON object:
//
//	Request:  {"jsonrpc":"2.0","method":"tools/list","params":{},"id":"1"}
//	Response: {"jsonrpc":"2.0","id":"1","result":{...}}
//	          {"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}
//
// Invocations sent to agents additionally carry "traceId". Agents may answer
// them with {"id":..,"data":..} or {"id":..,"error":"text"}; both forms are
// accepted alongside regular JSON-RPC responses.
package protocol
