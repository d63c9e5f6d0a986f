// ABOUTME: Routes tool invocations to the owning agent's connection and correlates replies.
// ABOUTME: Tracks pending invocations by request ID with timeouts and cancellation.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palasangha/pala-platform-sub010/internal/events"
	"github.com/palasangha/pala-platform-sub010/internal/protocol"
)

// DefaultInvocationTimeout is the default time an invocation may stay pending.
const DefaultInvocationTimeout = 30 * time.Second

// ErrInvalidTimeout indicates a non-positive invocation timeout.
var ErrInvalidTimeout = errors.New("invocation timeout must be positive")

// ErrDuplicateRequestID indicates the request ID is already in use.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// ErrDraining indicates the invoker no longer accepts invocations.
var ErrDraining = errors.New("broker is shutting down")

// pendingInvocation is an invocation that was sent and awaits its outcome.
type pendingInvocation struct {
	requestID string
	toolName  string
	agentID   string
	traceID   string
	arguments map[string]any
	createdAt time.Time
	done      chan *InvocationResult // buffered, receives exactly one result
	timer     *time.Timer
}

// InvokerConfig contains configuration options for the Invoker.
type InvokerConfig struct {
	Registry    *Registry
	Resolver    ConnectionResolver
	Logger      *slog.Logger
	Broadcaster *events.Broadcaster
	Timeout     time.Duration
}

// Invoker sends invocations to agents and matches their responses.
type Invoker struct {
	registry *Registry
	resolve  ConnectionResolver
	events   *events.Broadcaster
	logger   *slog.Logger

	mu       sync.Mutex
	timeout  time.Duration
	pending  map[string]*pendingInvocation
	draining bool
}

// NewInvoker creates a new Invoker with the given configuration.
func NewInvoker(cfg InvokerConfig) *Invoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultInvocationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolve := cfg.Resolver
	if resolve == nil {
		resolve = func(string) AgentConnection { return nil }
	}

	return &Invoker{
		registry: cfg.Registry,
		resolve:  resolve,
		events:   cfg.Broadcaster,
		logger:   logger,
		timeout:  timeout,
		pending:  make(map[string]*pendingInvocation),
	}
}

// Invoke runs a tool on its owning agent and waits for the outcome. Failures
// are reported in the result, never as an error: unknown tool, invalid
// arguments, disconnected agent, send failure, timeout, cancellation and
// agent-reported errors all yield Success == false.
func (i *Invoker) Invoke(ctx context.Context, req InvocationRequest) *InvocationResult {
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}

	def, ok := i.registry.GetTool(req.ToolName)
	if !ok {
		return i.fail(req, "", traceID, fmt.Sprintf("Tool '%s' not found", req.ToolName))
	}

	if err := i.registry.ValidateArguments(req.ToolName, req.Arguments); err != nil {
		return i.fail(req, def.AgentID, traceID, err.Error())
	}

	conn := i.resolve(def.AgentID)
	if conn == nil {
		return i.fail(req, def.AgentID, traceID, fmt.Sprintf("Agent '%s' not connected", def.AgentID))
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	req.RequestID = requestID

	p, err := i.addPending(requestID, def.Name, def.AgentID, traceID, req.Arguments)
	if err != nil {
		rejected := req
		if errors.Is(err, ErrDuplicateRequestID) {
			// The ID belongs to the invocation already in flight; this
			// rejection must not be attributed to it.
			rejected.RequestID = ""
		}
		return i.fail(rejected, def.AgentID, traceID, err.Error())
	}

	i.events.Publish(&events.Event{
		Type:      events.InvocationStarted,
		ToolName:  def.Name,
		AgentID:   def.AgentID,
		RequestID: requestID,
		TraceID:   traceID,
		Arguments: req.Arguments,
	})

	envelope, err := protocol.NewRequest(protocol.MethodToolsInvoke, requestID, protocol.InvokeParams{
		Name:      def.Name,
		Arguments: req.Arguments,
	})
	if err == nil {
		envelope.TraceID = traceID
		err = conn.SendMessage(ctx, envelope)
	}
	if err != nil {
		if i.take(requestID) == nil {
			// Already resolved by a racing response, timeout or cancellation.
			return <-p.done
		}
		p.timer.Stop()
		i.logger.Warn("failed to send invocation",
			"tool_name", def.Name,
			"agent_id", def.AgentID,
			"request_id", requestID,
			"error", err,
		)
		res := p.result()
		res.Error = err.Error()
		i.publishOutcome(events.InvocationFailed, p, res, true)
		return res
	}

	i.logger.Info("→ invocation sent",
		"tool_name", def.Name,
		"agent_id", def.AgentID,
		"request_id", requestID,
		"trace_id", traceID,
	)

	select {
	case res := <-p.done:
		return res
	case <-ctx.Done():
		i.Cancel(requestID)
		return <-p.done
	}
}

// HandleInvocationResponse resolves the pending invocation identified by
// requestID. Unknown IDs (late, duplicate, or already cancelled) are ignored.
func (i *Invoker) HandleInvocationResponse(requestID string, payload ResponsePayload) {
	p := i.take(requestID)
	if p == nil {
		i.logger.Debug("ignoring response for unknown request", "request_id", requestID)
		return
	}
	i.respond(p, payload)
}

// HandleAgentResponse resolves the pending invocation identified by requestID
// only if it was routed to agentID. A response from any other connection is
// ignored and the invocation stays pending. Reports whether it was resolved.
func (i *Invoker) HandleAgentResponse(agentID, requestID string, payload ResponsePayload) bool {
	i.mu.Lock()
	p, ok := i.pending[requestID]
	owned := ok && p.agentID == agentID
	if owned {
		delete(i.pending, requestID)
	}
	i.mu.Unlock()

	if !owned {
		if ok {
			i.logger.Warn("ignoring response from non-owning agent",
				"request_id", requestID,
				"agent_id", agentID,
				"owner_agent_id", p.agentID,
			)
		} else {
			i.logger.Debug("ignoring response for unknown request", "request_id", requestID)
		}
		return false
	}
	i.respond(p, payload)
	return true
}

// respond resolves an already taken invocation with the agent's payload.
func (i *Invoker) respond(p *pendingInvocation, payload ResponsePayload) {
	p.timer.Stop()

	res := p.result()
	if payload.Error != nil {
		res.Error = *payload.Error
	} else {
		res.Success = true
		res.Result = decodeData(payload.Data)
	}

	i.logger.Info("← agent responded",
		"tool_name", p.toolName,
		"agent_id", p.agentID,
		"request_id", p.requestID,
		"success", res.Success,
	)
	i.publishOutcome(events.InvocationCompleted, p, res, true)
	p.done <- res
}

// Cancel resolves a single pending invocation as cancelled. Returns false if
// requestID is not pending.
func (i *Invoker) Cancel(requestID string) bool {
	p := i.take(requestID)
	if p == nil {
		return false
	}
	i.cancel(p)
	return true
}

// ClearPending cancels every pending invocation and returns how many were
// cancelled. Used during shutdown to unblock waiting callers.
func (i *Invoker) ClearPending() int {
	i.mu.Lock()
	cancelled := make([]*pendingInvocation, 0, len(i.pending))
	for requestID, p := range i.pending {
		cancelled = append(cancelled, p)
		delete(i.pending, requestID)
	}
	i.mu.Unlock()

	for _, p := range cancelled {
		i.cancel(p)
	}

	i.logger.Info("pending invocations cleared", "pending_cancelled", len(cancelled))
	return len(cancelled)
}

// Drain cancels every pending invocation and rejects any started afterwards
// with ErrDraining. Returns how many were cancelled.
func (i *Invoker) Drain() int {
	i.mu.Lock()
	i.draining = true
	i.mu.Unlock()
	return i.ClearPending()
}

// FailAgent resolves every pending invocation routed to agentID as failed,
// for use when the agent's connection drops. Returns how many were resolved.
func (i *Invoker) FailAgent(agentID string) int {
	i.mu.Lock()
	var failed []*pendingInvocation
	for requestID, p := range i.pending {
		if p.agentID == agentID {
			failed = append(failed, p)
			delete(i.pending, requestID)
		}
	}
	i.mu.Unlock()

	for _, p := range failed {
		p.timer.Stop()
		res := p.result()
		res.Error = fmt.Sprintf("Agent '%s' disconnected", agentID)
		i.publishOutcome(events.InvocationCompleted, p, res, true)
		i.publishOutcome(events.InvocationFailed, p, res, false)
		p.done <- res
	}

	if len(failed) > 0 {
		i.logger.Warn("agent disconnected with invocations in flight",
			"agent_id", agentID,
			"pending_failed", len(failed),
		)
	}
	return len(failed)
}

// SetInvocationTimeout changes the timeout applied to invocations started
// afterwards. Returns ErrInvalidTimeout for d <= 0, leaving the setting as is.
func (i *Invoker) SetInvocationTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, d)
	}
	i.mu.Lock()
	i.timeout = d
	i.mu.Unlock()
	return nil
}

// InvocationTimeout returns the current invocation timeout.
func (i *Invoker) InvocationTimeout() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.timeout
}

// PendingCount returns the number of in-flight invocations.
func (i *Invoker) PendingCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// addPending registers a pending invocation and arms its timeout.
func (i *Invoker) addPending(requestID, toolName, agentID, traceID string, args map[string]any) (*pendingInvocation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.draining {
		return nil, ErrDraining
	}
	if _, exists := i.pending[requestID]; exists {
		return nil, fmt.Errorf("%w: '%s' is already pending", ErrDuplicateRequestID, requestID)
	}

	p := &pendingInvocation{
		requestID: requestID,
		toolName:  toolName,
		agentID:   agentID,
		traceID:   traceID,
		arguments: args,
		createdAt: time.Now(),
		done:      make(chan *InvocationResult, 1),
	}
	timeout := i.timeout
	p.timer = time.AfterFunc(timeout, func() { i.expire(requestID, timeout) })
	i.pending[requestID] = p
	return p, nil
}

// take removes and returns the pending invocation for requestID, or nil.
// Every terminal path starts here, so only one of them resolves an entry.
func (i *Invoker) take(requestID string) *pendingInvocation {
	i.mu.Lock()
	defer i.mu.Unlock()

	p, ok := i.pending[requestID]
	if !ok {
		return nil
	}
	delete(i.pending, requestID)
	return p
}

func (i *Invoker) expire(requestID string, timeout time.Duration) {
	p := i.take(requestID)
	if p == nil {
		return
	}

	res := p.result()
	res.Error = fmt.Sprintf("Invocation of '%s' timed out after %s", p.toolName, timeout)

	i.logger.Warn("invocation timed out",
		"tool_name", p.toolName,
		"agent_id", p.agentID,
		"request_id", requestID,
		"timeout", timeout,
	)
	i.publishOutcome(events.InvocationCompleted, p, res, true)
	i.publishOutcome(events.InvocationFailed, p, res, false)
	p.done <- res
}

// cancel resolves an already taken invocation as cancelled.
func (i *Invoker) cancel(p *pendingInvocation) {
	p.timer.Stop()

	res := p.result()
	res.Error = fmt.Sprintf("Invocation of '%s' cancelled", p.toolName)

	i.logger.Info("invocation cancelled",
		"tool_name", p.toolName,
		"request_id", p.requestID,
	)
	i.publishOutcome(events.InvocationCompleted, p, res, true)
	i.publishOutcome(events.InvocationFailed, p, res, false)
	p.done <- res
}

// fail builds a failed result for an invocation that never became pending
// and emits a final invocation:failed.
func (i *Invoker) fail(req InvocationRequest, agentID, traceID, msg string) *InvocationResult {
	res := &InvocationResult{
		Error:     msg,
		AgentID:   agentID,
		ToolName:  req.ToolName,
		TraceID:   traceID,
		RequestID: req.RequestID,
	}

	i.logger.Debug("invocation failed",
		"tool_name", req.ToolName,
		"agent_id", agentID,
		"error", msg,
	)
	i.events.Publish(&events.Event{
		Type:      events.InvocationFailed,
		ToolName:  req.ToolName,
		AgentID:   agentID,
		RequestID: req.RequestID,
		TraceID:   traceID,
		Arguments: req.Arguments,
		Error:     msg,
		Final:     true,
	})
	return res
}

// publishOutcome emits an outcome event for an invocation that was pending.
// final is true for exactly one event per invocation.
func (i *Invoker) publishOutcome(t events.Type, p *pendingInvocation, res *InvocationResult, final bool) {
	i.events.Publish(&events.Event{
		Type:       t,
		ToolName:   p.toolName,
		AgentID:    p.agentID,
		RequestID:  p.requestID,
		TraceID:    p.traceID,
		Arguments:  p.arguments,
		Success:    res.Success,
		Result:     res.Result,
		Error:      res.Error,
		Duration:   time.Since(p.createdAt),
		Final:      final,
		Dispatched: true,
	})
}

func (p *pendingInvocation) result() *InvocationResult {
	return &InvocationResult{
		AgentID:   p.agentID,
		ToolName:  p.toolName,
		TraceID:   p.traceID,
		RequestID: p.requestID,
	}
}

// decodeData turns the agent's raw JSON into a plain Go value. Data that is
// not valid JSON is passed through as a string.
func decodeData(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
