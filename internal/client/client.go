// ABOUTME: WebSocket JSON-RPC client for agents and callers of the broker
// ABOUTME: Correlates responses by request ID and serves tools/invoke for agents

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/palasangha/pala-platform-sub010/internal/protocol"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

// DefaultWriteTimeout bounds a single frame write when ctx has no deadline.
const DefaultWriteTimeout = 10 * time.Second

// InvocationHandler runs a tool invocation routed to this client. A returned
// error is reported to the caller as the invocation's error.
type InvocationHandler func(ctx context.Context, name string, arguments map[string]any) (any, error)

// Options configures Dial.
type Options struct {
	// AgentID names this connection. The broker assigns one when empty.
	AgentID string

	// Handler serves tools/invoke requests. Invocations fail when nil.
	Handler InvocationHandler

	Logger *slog.Logger
}

// Client is one WebSocket connection to the broker.
type Client struct {
	ws      *websocket.Conn
	agentID string
	handler InvocationHandler
	logger  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the broker's /ws endpoint at rawURL and starts reading.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	if opts.AgentID != "" {
		q := u.Query()
		q.Set("agent_id", opts.AgentID)
		u.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:      ws,
		agentID: opts.AgentID,
		handler: opts.Handler,
		logger:  logger.With("component", "client"),
		pending: make(map[string]chan *protocol.Message),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// AgentID returns the ID requested at Dial, or "" when the broker assigned one.
func (c *Client) AgentID() string {
	return c.agentID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and fails outstanding calls.
func (c *Client) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done
	return err
}

// Call sends a request and decodes its result into out, which may be nil.
// A JSON-RPC error from the broker is returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := uuid.New().String()
	req, err := protocol.NewRequest(method, id, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, req); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		return decodeResponse(msg, out)
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeResponse(msg *protocol.Message, out any) error {
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		var rpcErr protocol.Error
		if err := json.Unmarshal(msg.Error, &rpcErr); err == nil && rpcErr.Message != "" {
			return &rpcErr
		}
		errMsg, _ := msg.ErrorMessage()
		return &protocol.Error{Code: protocol.CodeInternalError, Message: errMsg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.ResultData(), out); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.cancel()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if msg.IsRequest() {
			c.handleRequest(msg.Request())
			continue
		}

		id := msg.RequestID()
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response for unknown request", "request_id", id)
			continue
		}
		// The channel holds one response; a repeated ID must not stall reads.
		select {
		case ch <- msg:
		default:
			c.logger.Debug("dropping duplicate response", "request_id", id)
		}
	}
}

func (c *Client) finish(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// handleRequest serves a request sent by the broker. Only tools/invoke is
// understood.
func (c *Client) handleRequest(req *protocol.Request) {
	if req.Method != protocol.MethodToolsInvoke {
		if req.ID != "" {
			_ = c.write(c.ctx, protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method))
		}
		return
	}

	go func() {
		reply := c.runInvocation(req)
		if err := c.write(c.ctx, reply); err != nil {
			c.logger.Debug("failed to send invocation reply", "request_id", req.ID, "error", err)
		}
	}()
}

// invocationReply is the payload form of an answer to tools/invoke.
type invocationReply struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) runInvocation(req *protocol.Request) invocationReply {
	reply := invocationReply{JSONRPC: protocol.Version, ID: req.ID}

	var params protocol.InvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		reply.Error = "invalid params: " + err.Error()
		return reply
	}
	if c.handler == nil {
		reply.Error = fmt.Sprintf("no handler for tool '%s'", params.Name)
		return reply
	}

	c.logger.Debug("invocation received", "tool_name", params.Name, "request_id", req.ID, "trace_id", req.TraceID)
	data, err := c.handler(c.ctx, params.Name, params.Arguments)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Data = data
	return reply
}
