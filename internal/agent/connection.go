// ABOUTME: Represents a single connected agent over a WebSocket.
// ABOUTME: Serializes writes so concurrent invocations can share one socket.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palasangha/pala-platform-sub010/internal/protocol"
)

// DefaultWriteTimeout bounds a single write when the caller's context has no deadline.
const DefaultWriteTimeout = 10 * time.Second

// ErrConnectionClosed indicates a write on a connection that was already closed.
var ErrConnectionClosed = errors.New("connection closed")

// ConnectionParams groups the parameters for creating a new Connection.
type ConnectionParams struct {
	ID           string
	RemoteAddr   string
	Conn         *websocket.Conn
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Connection represents a connected agent (or caller) and its socket.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	done         chan struct{}
	logger       *slog.Logger
}

// NewConnection wraps an established WebSocket.
func NewConnection(params ConnectionParams) *Connection {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := params.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Connection{
		ID:           params.ID,
		RemoteAddr:   params.RemoteAddr,
		ConnectedAt:  time.Now(),
		ws:           params.Conn,
		writeTimeout: timeout,
		done:         make(chan struct{}),
		logger:       logger,
	}
}

// SendMessage writes a request envelope to the agent.
func (c *Connection) SendMessage(ctx context.Context, req *protocol.Request) error {
	if err := c.WriteJSON(ctx, req); err != nil {
		return fmt.Errorf("sending %s to agent '%s': %w", req.Method, c.ID, err)
	}
	return nil
}

// WriteJSON encodes v as one text frame. The write deadline is the earlier of
// ctx's deadline and the connection's write timeout.
func (c *Connection) WriteJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// ReadMessage blocks until the next frame arrives.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadLimit caps the size of inbound frames.
func (c *Connection) SetReadLimit(limit int64) {
	if limit > 0 {
		c.ws.SetReadLimit(limit)
	}
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears down the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
		c.logger.Debug("connection closed", "agent_id", c.ID)
	})
	return err
}
