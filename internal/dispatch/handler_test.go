// ABOUTME: End-to-end tests for the WebSocket dispatch handler.
// ABOUTME: Drives real agent and caller sockets against an httptest server.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palasangha/pala-platform-sub010/internal/agent"
	"github.com/palasangha/pala-platform-sub010/internal/dedupe"
	"github.com/palasangha/pala-platform-sub010/internal/events"
	"github.com/palasangha/pala-platform-sub010/internal/protocol"
	"github.com/palasangha/pala-platform-sub010/internal/store"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

type brokerFixture struct {
	bus      *events.Broadcaster
	registry *tools.Registry
	invoker  *tools.Invoker
	agents   *agent.Manager
	handler  *Handler
	url      string
}

func setupBroker(t *testing.T, configure ...func(*Config)) *brokerFixture {
	t.Helper()

	logger := slog.Default()
	bus := events.NewBroadcaster(logger)
	t.Cleanup(bus.Close)

	registry := tools.NewRegistry(logger, bus)
	agents := agent.NewManager(logger)
	invoker := tools.NewInvoker(tools.InvokerConfig{
		Registry:    registry,
		Resolver:    agents.Resolve,
		Logger:      logger,
		Broadcaster: bus,
		Timeout:     2 * time.Second,
	})

	cfg := Config{
		Registry: registry,
		Invoker:  invoker,
		Agents:   agents,
		Logger:   logger,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	handler := New(cfg)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		agents.CloseAll()
		srv.Close()
	})

	return &brokerFixture{
		bus:      bus,
		registry: registry,
		invoker:  invoker,
		agents:   agents,
		handler:  handler,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// wsClient is a raw test peer speaking JSON-RPC frames.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *brokerFixture) dial(t *testing.T, agentID string) *wsClient {
	t.Helper()
	url := f.url
	if agentID != "" {
		url += "?agent_id=" + agentID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	if agentID != "" {
		require.Eventually(t, func() bool { return f.agents.IsOnline(agentID) }, 2*time.Second, 5*time.Millisecond)
	}
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) sendRaw(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *wsClient) request(method, id string, params any) {
	c.t.Helper()
	req, err := protocol.NewRequest(method, id, params)
	require.NoError(c.t, err)
	c.send(req)
}

func (c *wsClient) read() *protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var msg protocol.Message
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return &msg
}

// call sends a request and returns the response with the same ID.
func (c *wsClient) call(method, id string, params any) *protocol.Message {
	c.t.Helper()
	c.request(method, id, params)
	for {
		msg := c.read()
		if !msg.IsRequest() && msg.RequestID() == id {
			return msg
		}
	}
}

func decodeResult[T any](t *testing.T, msg *protocol.Message) T {
	t.Helper()
	errMsg, failed := msg.ErrorMessage()
	require.False(t, failed, "unexpected error response: %s", errMsg)
	var out T
	require.NoError(t, json.Unmarshal(msg.Result, &out))
	return out
}

func decodeError(t *testing.T, msg *protocol.Message) protocol.Error {
	t.Helper()
	var rpcErr protocol.Error
	require.NotEmpty(t, msg.Error, "expected an error response")
	require.NoError(t, json.Unmarshal(msg.Error, &rpcErr))
	return rpcErr
}

func echoTool(agentID string) map[string]any {
	return map[string]any{
		"name":        "echo",
		"description": "Echo a message back",
		"agentId":     agentID,
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []string{"message"},
		},
	}
}

func registerEcho(t *testing.T, c *wsClient) {
	t.Helper()
	resp := c.call(protocol.MethodToolsRegister, "reg-1", map[string]any{"tools": []any{echoTool("")}})
	res := decodeResult[protocol.RegisterResult](t, resp)
	require.Equal(t, 1, res.Registered)
	require.Empty(t, res.Errors)
}

func TestRegisterForcesConnectionAgentID(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")

	resp := a1.call(protocol.MethodToolsRegister, "1", map[string]any{
		"tools": []any{echoTool("someone-else"), map[string]any{"name": "bad name!"}},
	})
	res := decodeResult[protocol.RegisterResult](t, resp)
	assert.Equal(t, 1, res.Registered)
	require.Len(t, res.Errors, 1)

	owner, ok := f.registry.GetToolAgent("echo")
	require.True(t, ok)
	assert.Equal(t, "a1", owner)

	caller := f.dial(t, "")
	list := decodeResult[ToolsResult](t, caller.call(protocol.MethodToolsList, "2", nil))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)
	assert.Equal(t, "a1", list.Tools[0].AgentID)
}

func TestInvokeRoundTrip(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")
	registerEcho(t, a1)

	caller := f.dial(t, "")
	caller.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  protocol.MethodToolsInvoke,
		"id":      "inv-1",
		"traceId": "trace-9",
		"params":  map[string]any{"name": "echo", "arguments": map[string]any{"message": "hello"}},
	})

	// The agent sees the invocation and answers in payload form.
	invocation := a1.read()
	require.True(t, invocation.IsRequest())
	assert.Equal(t, protocol.MethodToolsInvoke, invocation.Method)
	assert.Equal(t, "trace-9", invocation.TraceID)

	var params protocol.InvokeParams
	require.NoError(t, json.Unmarshal(invocation.Params, &params))
	assert.Equal(t, "echo", params.Name)
	assert.Equal(t, "hello", params.Arguments["message"])

	a1.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      invocation.RequestID(),
		"data":    map[string]any{"echo": params.Arguments["message"]},
	})

	var resp *protocol.Message
	for resp == nil || resp.RequestID() != "inv-1" {
		resp = caller.read()
	}
	res := decodeResult[tools.InvocationResult](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"echo": "hello"}, res.Result)
	assert.Equal(t, "a1", res.AgentID)
	assert.Equal(t, "echo", res.ToolName)
	assert.Equal(t, "trace-9", res.TraceID)
	assert.Equal(t, invocation.RequestID(), res.RequestID)
}

func TestResponseFromNonOwningConnectionIgnored(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")
	registerEcho(t, a1)
	caller := f.dial(t, "")

	caller.request(protocol.MethodToolsInvoke, "inv-1", protocol.InvokeParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "real"},
	})
	invocation := a1.read()
	requestID := invocation.RequestID()

	// The caller guesses the broker-side ID and answers it itself.
	caller.send(map[string]any{"jsonrpc": "2.0", "id": requestID, "data": "forged"})
	// A round trip on the caller's socket proves the forged frame was handled.
	caller.call(protocol.MethodToolsList, "sync", nil)
	assert.Equal(t, 1, f.invoker.PendingCount())

	a1.send(map[string]any{"jsonrpc": "2.0", "id": requestID, "data": "genuine"})
	var resp *protocol.Message
	for resp == nil || resp.RequestID() != "inv-1" {
		resp = caller.read()
	}
	res := decodeResult[tools.InvocationResult](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, "genuine", res.Result)
}

func TestInvokeAgentErrorForms(t *testing.T) {
	tests := []struct {
		name  string
		reply func(id string) map[string]any
	}{
		{
			name: "plain string error",
			reply: func(id string) map[string]any {
				return map[string]any{"jsonrpc": "2.0", "id": id, "error": "boom"}
			},
		},
		{
			name: "json-rpc error object",
			reply: func(id string) map[string]any {
				return map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": -32000, "message": "boom"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupBroker(t)
			a1 := f.dial(t, "a1")
			registerEcho(t, a1)
			caller := f.dial(t, "")

			caller.request(protocol.MethodToolsInvoke, "inv-1", protocol.InvokeParams{
				Name:      "echo",
				Arguments: map[string]any{"message": "x"},
			})
			invocation := a1.read()
			a1.send(tt.reply(invocation.RequestID()))

			res := decodeResult[tools.InvocationResult](t, caller.read())
			assert.False(t, res.Success)
			assert.Equal(t, "boom", res.Error)
			assert.Nil(t, res.Result)
		})
	}
}

func TestInvokeValidationFailureIsResult(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")
	registerEcho(t, a1)
	caller := f.dial(t, "")

	resp := caller.call(protocol.MethodToolsInvoke, "1", protocol.InvokeParams{Name: "echo", Arguments: map[string]any{}})
	res := decodeResult[tools.InvocationResult](t, resp)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "message")

	resp = caller.call(protocol.MethodToolsInvoke, "2", protocol.InvokeParams{Name: "missing"})
	res = decodeResult[tools.InvocationResult](t, resp)
	assert.False(t, res.Success)
	assert.Equal(t, "Tool 'missing' not found", res.Error)
}

func TestDuplicateAgentIDRejected(t *testing.T) {
	f := setupBroker(t)
	f.dial(t, "a1")

	_, resp, err := websocket.DefaultDialer.Dial(f.url+"?agent_id=a1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, f.agents.Count())
}

func TestDisconnectRemovesToolsAndFailsInvocations(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")
	registerEcho(t, a1)
	caller := f.dial(t, "")

	caller.request(protocol.MethodToolsInvoke, "inv-1", protocol.InvokeParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "x"},
	})
	a1.read()
	require.NoError(t, a1.conn.Close())

	res := decodeResult[tools.InvocationResult](t, caller.read())
	assert.False(t, res.Success)
	assert.Equal(t, "Agent 'a1' disconnected", res.Error)

	require.Eventually(t, func() bool {
		return f.registry.ToolCount() == 0 && !f.agents.IsOnline("a1")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.invoker.PendingCount())

	// The agent ID can be reused once the old connection is gone.
	f.dial(t, "a1")
}

func TestMalformedFrames(t *testing.T) {
	f := setupBroker(t)
	c := f.dial(t, "")

	t.Run("parse error", func(t *testing.T) {
		c.sendRaw("not json")
		rpcErr := decodeError(t, c.read())
		assert.Equal(t, protocol.CodeParseError, rpcErr.Code)
	})

	t.Run("wrong version", func(t *testing.T) {
		c.sendRaw(`{"jsonrpc":"1.0","method":"tools/list","id":"v1"}`)
		msg := c.read()
		assert.Equal(t, "v1", msg.RequestID())
		assert.Equal(t, protocol.CodeInvalidRequest, decodeError(t, msg).Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		msg := c.call("tools/explode", "m1", nil)
		assert.Equal(t, protocol.CodeMethodNotFound, decodeError(t, msg).Code)
	})

	t.Run("invalid params", func(t *testing.T) {
		c.sendRaw(`{"jsonrpc":"2.0","method":"tools/invoke","id":"p1","params":[1,2]}`)
		msg := c.read()
		assert.Equal(t, "p1", msg.RequestID())
		assert.Equal(t, protocol.CodeInvalidParams, decodeError(t, msg).Code)
	})

	t.Run("numeric id echoed as string", func(t *testing.T) {
		c.sendRaw(`{"jsonrpc":"2.0","method":"tools/list","id":7}`)
		msg := c.read()
		assert.Equal(t, "7", msg.RequestID())
	})

	t.Run("notification gets no reply", func(t *testing.T) {
		c.sendRaw(`{"jsonrpc":"2.0","method":"tools/list"}`)
		msg := c.call(protocol.MethodToolsList, "after", nil)
		assert.Equal(t, "after", msg.RequestID())
	})
}

func TestReplayedRequestRejected(t *testing.T) {
	replay := dedupe.New(dedupe.Options{TTL: time.Minute})
	t.Cleanup(replay.Close)
	f := setupBroker(t, func(cfg *Config) { cfg.Replay = replay })
	c := f.dial(t, "c1")

	first := c.call(protocol.MethodToolsList, "same", nil)
	assert.Empty(t, first.Error)

	second := c.call(protocol.MethodToolsList, "same", nil)
	rpcErr := decodeError(t, second)
	assert.Equal(t, protocol.CodeInvalidRequest, rpcErr.Code)
	assert.Equal(t, "duplicate request id", rpcErr.Message)

	// The same ID on another connection is a different request.
	other := f.dial(t, "c2")
	assert.Empty(t, other.call(protocol.MethodToolsList, "same", nil).Error)
}

func TestUnregisterOwnership(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")
	registerEcho(t, a1)
	a2 := f.dial(t, "a2")

	rpcErr := decodeError(t, a2.call(protocol.MethodToolsUnregister, "1", protocol.UnregisterParams{Name: "echo"}))
	assert.Equal(t, protocol.CodeInvalidRequest, rpcErr.Code)
	assert.Equal(t, 1, f.registry.ToolCount())

	rpcErr = decodeError(t, a1.call(protocol.MethodToolsUnregister, "2", protocol.UnregisterParams{Name: "nope"}))
	assert.Equal(t, protocol.CodeInvalidParams, rpcErr.Code)

	res := decodeResult[UnregisterResult](t, a1.call(protocol.MethodToolsUnregister, "3", protocol.UnregisterParams{Name: "echo"}))
	assert.Equal(t, "echo", res.Unregistered)
	assert.Equal(t, 0, f.registry.ToolCount())
}

func TestSearchAndAgents(t *testing.T) {
	f := setupBroker(t)
	a1 := f.dial(t, "a1")
	registerEcho(t, a1)
	f.dial(t, "idle")

	caller := f.dial(t, "")
	found := decodeResult[ToolsResult](t, caller.call(protocol.MethodToolsSearch, "1", protocol.SearchParams{Keyword: "ECHO"}))
	require.Len(t, found.Tools, 1)

	none := decodeResult[ToolsResult](t, caller.call(protocol.MethodToolsSearch, "2", protocol.SearchParams{Keyword: "zzz"}))
	assert.Empty(t, none.Tools)

	// Only agents offering tools are listed.
	agents := decodeResult[protocol.AgentsResult](t, caller.call(protocol.MethodAgentsList, "3", nil))
	assert.Equal(t, []string{"a1"}, agents.Agents)
}

func TestHistory(t *testing.T) {
	t.Run("disabled without a store", func(t *testing.T) {
		f := setupBroker(t)
		c := f.dial(t, "")
		rpcErr := decodeError(t, c.call(protocol.MethodInvocationsHistory, "1", nil))
		assert.Equal(t, protocol.CodeInternalError, rpcErr.Code)
		assert.Equal(t, "invocation history is disabled", rpcErr.Message)
	})

	t.Run("records outcomes", func(t *testing.T) {
		history, err := store.NewSQLiteStore(store.MemoryPath, slog.Default())
		require.NoError(t, err)
		t.Cleanup(func() { _ = history.Close() })

		f := setupBroker(t, func(cfg *Config) { cfg.History = history })
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		recorder := store.NewRecorder(history, slog.Default())
		recorder.Attach(f.bus)
		go recorder.Run(ctx)

		caller := f.dial(t, "")
		res := decodeResult[tools.InvocationResult](t, caller.call(protocol.MethodToolsInvoke, "1", protocol.InvokeParams{Name: "missing"}))
		require.False(t, res.Success)

		var got HistoryResult
		deadline := time.Now().Add(2 * time.Second)
		for attempt := 0; len(got.Invocations) == 0 && time.Now().Before(deadline); attempt++ {
			if attempt > 0 {
				time.Sleep(20 * time.Millisecond)
			}
			id := "h-" + strconv.Itoa(attempt)
			got = decodeResult[HistoryResult](t, caller.call(protocol.MethodInvocationsHistory, id, protocol.HistoryParams{ToolName: "missing"}))
		}
		require.Len(t, got.Invocations, 1)
		assert.Equal(t, "Tool 'missing' not found", got.Invocations[0].Error)
		assert.False(t, got.Invocations[0].Success)
	})
}

func TestWaitReturnsAfterConnectionsClose(t *testing.T) {
	f := setupBroker(t)
	f.dial(t, "a1")

	f.agents.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := f.handler.Wait(ctx)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
	assert.NoError(t, err)
}
