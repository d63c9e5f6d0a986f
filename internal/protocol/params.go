// ABOUTME: Parameter and result shapes shared by the dispatch layer and its clients
// ABOUTME: Tool definitions stay opaque here so this package has no domain imports

package protocol

import "encoding/json"

// InvokeParams is the params object of tools/invoke. The broker sends Name and
// Arguments to agents; callers may also pin RequestID and TraceID.
type InvokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
}

// RegisterParams is the params object of tools/register.
type RegisterParams struct {
	Tools []json.RawMessage `json:"tools"`
}

// RegisterResult is the result of tools/register.
type RegisterResult struct {
	Registered int      `json:"registered"`
	Errors     []string `json:"errors,omitempty"`
}

// UnregisterParams is the params object of tools/unregister.
type UnregisterParams struct {
	Name string `json:"name"`
}

// SearchParams is the params object of tools/search.
type SearchParams struct {
	Keyword string `json:"keyword"`
}

// AgentsResult is the result of agents/list.
type AgentsResult struct {
	Agents []string `json:"agents"`
}

// HistoryParams is the params object of invocations/history.
type HistoryParams struct {
	ToolName string `json:"toolName,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
