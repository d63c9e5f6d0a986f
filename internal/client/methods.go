// ABOUTME: Typed wrappers over the broker's JSON-RPC methods
// ABOUTME: Registration, catalog queries, invocation and history

package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/palasangha/pala-platform-sub010/internal/dispatch"
	"github.com/palasangha/pala-platform-sub010/internal/protocol"
	"github.com/palasangha/pala-platform-sub010/internal/store"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

// RegisterTools registers defs as tools of this connection. The broker
// overrides each AgentID with the connection's ID.
func (c *Client) RegisterTools(ctx context.Context, defs ...tools.ToolDefinition) (protocol.RegisterResult, error) {
	raw := make([]json.RawMessage, 0, len(defs))
	for _, def := range defs {
		b, err := json.Marshal(def)
		if err != nil {
			return protocol.RegisterResult{}, fmt.Errorf("marshaling tool '%s': %w", def.Name, err)
		}
		raw = append(raw, b)
	}

	var res protocol.RegisterResult
	err := c.Call(ctx, protocol.MethodToolsRegister, protocol.RegisterParams{Tools: raw}, &res)
	return res, err
}

// UnregisterTool removes one of this connection's tools.
func (c *Client) UnregisterTool(ctx context.Context, name string) error {
	return c.Call(ctx, protocol.MethodToolsUnregister, protocol.UnregisterParams{Name: name}, nil)
}

// ListTools returns the full catalog sorted by name.
func (c *Client) ListTools(ctx context.Context) ([]tools.ToolDefinition, error) {
	var res dispatch.ToolsResult
	if err := c.Call(ctx, protocol.MethodToolsList, nil, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// SearchTools returns tools whose name or description contains keyword.
func (c *Client) SearchTools(ctx context.Context, keyword string) ([]tools.ToolDefinition, error) {
	var res dispatch.ToolsResult
	if err := c.Call(ctx, protocol.MethodToolsSearch, protocol.SearchParams{Keyword: keyword}, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// ListAgents returns the IDs of agents that offer tools.
func (c *Client) ListAgents(ctx context.Context) ([]string, error) {
	var res protocol.AgentsResult
	if err := c.Call(ctx, protocol.MethodAgentsList, nil, &res); err != nil {
		return nil, err
	}
	return res.Agents, nil
}

// Invoke runs a tool through the broker. Tool failures come back in the
// result with Success false; the error is only for transport or protocol
// failures.
func (c *Client) Invoke(ctx context.Context, params protocol.InvokeParams) (*tools.InvocationResult, error) {
	var res tools.InvocationResult
	if err := c.Call(ctx, protocol.MethodToolsInvoke, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History lists recent invocation outcomes, newest first.
func (c *Client) History(ctx context.Context, params protocol.HistoryParams) ([]store.InvocationRecord, error) {
	var res dispatch.HistoryResult
	if err := c.Call(ctx, protocol.MethodInvocationsHistory, params, &res); err != nil {
		return nil, err
	}
	return res.Invocations, nil
}
