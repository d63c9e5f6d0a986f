// ABOUTME: WebSocket endpoint that maps each connection to an agent ID and reads JSON-RPC envelopes.
// ABOUTME: Routes requests to the method table and agent responses to the invoker.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/palasangha/pala-platform-sub010/internal/agent"
	"github.com/palasangha/pala-platform-sub010/internal/dedupe"
	"github.com/palasangha/pala-platform-sub010/internal/protocol"
	"github.com/palasangha/pala-platform-sub010/internal/store"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

// AgentIDParam is the query parameter naming the connecting agent.
const AgentIDParam = "agent_id"

// Config contains the collaborators of the dispatch Handler.
type Config struct {
	Registry *tools.Registry
	Invoker  *tools.Invoker
	Agents   *agent.Manager
	History  store.Store   // optional; invocations/history fails without it
	Replay   *dedupe.Cache // optional; replayed request IDs are accepted without it
	Logger   *slog.Logger

	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// Handler serves the /ws endpoint.
type Handler struct {
	registry *tools.Registry
	invoker  *tools.Invoker
	agents   *agent.Manager
	history  store.Store
	replay   *dedupe.Cache
	logger   *slog.Logger

	maxMessageBytes int64
	writeTimeout    time.Duration
	upgrader        websocket.Upgrader
	methods         map[string]methodFunc

	// tracks connection loops and in-flight invoke goroutines
	wg sync.WaitGroup
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		registry:        cfg.Registry,
		invoker:         cfg.Invoker,
		agents:          cfg.Agents,
		history:         cfg.History,
		replay:          cfg.Replay,
		logger:          logger.With("component", "dispatch"),
		maxMessageBytes: cfg.MaxMessageBytes,
		writeTimeout:    cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.methods = h.methodTable()
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A second live connection claiming an agent ID in use is refused with 409.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get(AgentIDParam)
	if agentID == "" {
		agentID = uuid.New().String()
	}

	if h.agents.IsOnline(agentID) {
		h.logger.Warn("rejecting duplicate agent connection", "agent_id", agentID, "remote_addr", r.RemoteAddr)
		http.Error(w, "agent '"+agentID+"' is already connected", http.StatusConflict)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		ID:           agentID,
		RemoteAddr:   r.RemoteAddr,
		Conn:         ws,
		WriteTimeout: h.writeTimeout,
		Logger:       h.logger,
	})
	if err := h.agents.Register(conn); err != nil {
		// Lost a race with another connection for the same ID.
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.serve(r.Context(), conn)
}

// serve runs the read loop of one connection and cleans up after it.
func (h *Handler) serve(parent context.Context, conn *agent.Connection) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer func() {
		cancel()
		removed := h.registry.UnregisterAgent(conn.ID)
		failed := h.invoker.FailAgent(conn.ID)
		h.agents.Unregister(conn)
		_ = conn.Close()
		h.logger.Info("connection closed",
			"agent_id", conn.ID,
			"tools_removed", removed,
			"invocations_failed", failed,
		)
	}()

	conn.SetReadLimit(h.maxMessageBytes)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read loop ended", "agent_id", conn.ID, "error", err)
			}
			return
		}
		h.handleMessage(ctx, conn, data)
	}
}

// handleMessage decodes one frame and routes it.
func (h *Handler) handleMessage(ctx context.Context, conn *agent.Connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidVersion) {
			h.reply(ctx, conn, protocol.NewError(msg.RequestID(), protocol.CodeInvalidRequest, `jsonrpc must be "2.0"`))
			return
		}
		h.reply(ctx, conn, protocol.NewError("", protocol.CodeParseError, "parse error"))
		return
	}

	if !msg.IsRequest() {
		h.handleResponse(conn, msg)
		return
	}

	req := msg.Request()
	if req.ID != "" && h.replay != nil && h.replay.CheckAndMark(dedupe.RequestKey(conn.ID, req.ID)) {
		h.logger.Warn("rejecting replayed request", "agent_id", conn.ID, "request_id", req.ID, "method", req.Method)
		h.reply(ctx, conn, protocol.NewError(req.ID, protocol.CodeInvalidRequest, "duplicate request id"))
		return
	}

	method, ok := h.methods[req.Method]
	if !ok {
		h.reply(ctx, conn, protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method))
		return
	}

	if req.Method == protocol.MethodToolsInvoke {
		// Invocations block until the agent answers, so they must not stall the read loop.
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.call(ctx, conn, req, method)
		}()
		return
	}
	h.call(ctx, conn, req, method)
}

func (h *Handler) call(ctx context.Context, conn *agent.Connection, req *protocol.Request, method methodFunc) {
	result, rpcErr := method(ctx, conn, req)
	if req.ID == "" {
		return
	}
	if rpcErr != nil {
		h.reply(ctx, conn, &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Error: rpcErr})
		return
	}
	h.reply(ctx, conn, protocol.NewResult(req.ID, result))
}

// handleResponse hands an agent's answer to the invoker. Only the agent the
// invocation was routed to can resolve it.
func (h *Handler) handleResponse(conn *agent.Connection, msg *protocol.Message) {
	requestID := msg.RequestID()
	if requestID == "" {
		h.logger.Debug("dropping response without id", "agent_id", conn.ID)
		return
	}

	var payload tools.ResponsePayload
	if errMsg, failed := msg.ErrorMessage(); failed {
		payload = tools.ErrorPayload(errMsg)
	} else {
		payload = tools.ResponsePayload{Data: msg.ResultData()}
	}
	h.invoker.HandleAgentResponse(conn.ID, requestID, payload)
}

func (h *Handler) reply(ctx context.Context, conn *agent.Connection, resp *protocol.Response) {
	if err := conn.WriteJSON(ctx, resp); err != nil {
		h.logger.Debug("failed to write response", "agent_id", conn.ID, "request_id", resp.ID, "error", err)
	}
}

// Wait blocks until every connection loop and in-flight invocation has
// finished, or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeParams(raw json.RawMessage, v any) *protocol.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}
