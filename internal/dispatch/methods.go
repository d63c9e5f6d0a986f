// ABOUTME: JSON-RPC method table of the dispatch layer
// ABOUTME: Each method decodes its params and drives the registry, invoker, or history store

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/palasangha/pala-platform-sub010/internal/agent"
	"github.com/palasangha/pala-platform-sub010/internal/protocol"
	"github.com/palasangha/pala-platform-sub010/internal/store"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

type methodFunc func(ctx context.Context, conn *agent.Connection, req *protocol.Request) (any, *protocol.Error)

// ToolsResult is the result of tools/list and tools/search.
type ToolsResult struct {
	Tools []tools.ToolDefinition `json:"tools"`
}

// UnregisterResult is the result of tools/unregister.
type UnregisterResult struct {
	Unregistered string `json:"unregistered"`
}

// HistoryResult is the result of invocations/history.
type HistoryResult struct {
	Invocations []store.InvocationRecord `json:"invocations"`
}

func (h *Handler) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		protocol.MethodToolsRegister:      h.handleRegister,
		protocol.MethodToolsUnregister:    h.handleUnregister,
		protocol.MethodToolsList:          h.handleList,
		protocol.MethodToolsSearch:        h.handleSearch,
		protocol.MethodAgentsList:         h.handleAgents,
		protocol.MethodToolsInvoke:        h.handleInvoke,
		protocol.MethodInvocationsHistory: h.handleHistory,
	}
}

// handleRegister registers tools for the calling connection. Each tool
// succeeds or fails on its own; AgentID is always the connection's ID.
func (h *Handler) handleRegister(_ context.Context, conn *agent.Connection, req *protocol.Request) (any, *protocol.Error) {
	var params protocol.RegisterParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	result := protocol.RegisterResult{}
	defs := make([]tools.ToolDefinition, 0, len(params.Tools))
	for i, raw := range params.Tools {
		var def tools.ToolDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tool %d: %v", i, err))
			continue
		}
		def.AgentID = conn.ID
		defs = append(defs, def)
	}

	registered, errs := h.registry.RegisterAll(defs)
	result.Registered = registered
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}

	h.logger.Info("tools registered by agent",
		"agent_id", conn.ID,
		"registered", registered,
		"rejected", len(result.Errors),
	)
	return result, nil
}

// handleUnregister removes one tool. Only the owning connection may remove it.
func (h *Handler) handleUnregister(_ context.Context, conn *agent.Connection, req *protocol.Request) (any, *protocol.Error) {
	var params protocol.UnregisterParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	owner, ok := h.registry.GetToolAgent(params.Name)
	if !ok {
		return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf("%v: '%s'", tools.ErrToolNotFound, params.Name)}
	}
	if owner != conn.ID {
		return nil, &protocol.Error{Code: protocol.CodeInvalidRequest, Message: fmt.Sprintf("tool '%s' is owned by agent '%s'", params.Name, owner)}
	}

	if err := h.registry.Unregister(params.Name); err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
		}
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}
	return UnregisterResult{Unregistered: params.Name}, nil
}

func (h *Handler) handleList(context.Context, *agent.Connection, *protocol.Request) (any, *protocol.Error) {
	return ToolsResult{Tools: h.registry.ListTools()}, nil
}

func (h *Handler) handleSearch(_ context.Context, _ *agent.Connection, req *protocol.Request) (any, *protocol.Error) {
	var params protocol.SearchParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	return ToolsResult{Tools: h.registry.SearchTools(params.Keyword)}, nil
}

// handleAgents lists the agents that currently offer tools.
func (h *Handler) handleAgents(context.Context, *agent.Connection, *protocol.Request) (any, *protocol.Error) {
	return protocol.AgentsResult{Agents: h.registry.ListAgents()}, nil
}

// handleInvoke runs the invocation and returns its InvocationResult. Failures
// are part of the result, so this method never returns a JSON-RPC error once
// params decode.
func (h *Handler) handleInvoke(ctx context.Context, conn *agent.Connection, req *protocol.Request) (any, *protocol.Error) {
	var params protocol.InvokeParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	traceID := params.TraceID
	if traceID == "" {
		traceID = req.TraceID
	}

	h.logger.Debug("invocation requested",
		"caller_id", conn.ID,
		"tool_name", params.Name,
		"request_id", params.RequestID,
	)
	return h.invoker.Invoke(ctx, tools.InvocationRequest{
		ToolName:  params.Name,
		Arguments: params.Arguments,
		RequestID: params.RequestID,
		TraceID:   traceID,
	}), nil
}

func (h *Handler) handleHistory(ctx context.Context, _ *agent.Connection, req *protocol.Request) (any, *protocol.Error) {
	if h.history == nil {
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "invocation history is disabled"}
	}

	var params protocol.HistoryParams
	if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	records, err := h.history.ListInvocations(ctx, store.InvocationFilter{
		ToolName: params.ToolName,
		Limit:    params.Limit,
	})
	if err != nil {
		h.logger.Error("failed to list invocation history", "error", err)
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "failed to read invocation history"}
	}
	return HistoryResult{Invocations: records}, nil
}
