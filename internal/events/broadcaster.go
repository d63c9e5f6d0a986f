// ABOUTME: In-memory fan-out broadcaster for registry and invocation lifecycle events
// ABOUTME: Subscribers may drop events when slow; hooks receive every event synchronously

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Type identifies a lifecycle event.
type Type string

const (
	ToolRegistered      Type = "tool:registered"
	ToolUnregistered    Type = "tool:unregistered"
	InvocationStarted   Type = "invocation:started"
	InvocationCompleted Type = "invocation:completed"
	InvocationFailed    Type = "invocation:failed"
)

// Event is a single lifecycle notification. Only the fields relevant to the
// event type are set.
type Event struct {
	Type      Type
	Timestamp time.Time

	ToolName string
	AgentID  string

	// Definition carries the full tool definition for tool:registered.
	Definition any

	RequestID string
	TraceID   string
	Arguments map[string]any

	// Outcome fields for invocation:completed and invocation:failed.
	Success  bool
	Result   any
	Error    string
	Duration time.Duration

	// Final marks the one event that concludes an invocation. Timeouts and
	// cancellations emit completed then failed; only the completed is final.
	Final bool

	// Dispatched is set once the invocation became pending with its agent,
	// as opposed to being rejected up front.
	Dispatched bool
}

// Hook receives events synchronously on the publishing goroutine. Hooks may
// be called concurrently and must not publish.
type Hook func(*Event)

type subscription struct {
	ch    chan *Event
	types map[Type]struct{} // empty means all types
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Broadcaster provides in-memory pub/sub for lifecycle events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription // subID -> subscription
	hooks       map[uint64]Hook
	nextHook    uint64
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscription),
		hooks:       make(map[uint64]Hook),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for the given event types (all types when
// none are given). Returns a channel that receives events and a subscription
// ID for later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, types ...Type) (<-chan *Event, string) {
	subID := uuid.New().String()
	sub := &subscription{
		ch:    make(chan *Event, subscriberBufferSize),
		types: make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "types", types)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// AddHook registers h to receive every event, none dropped. Use it for
// consumers that must see each event, such as history and metrics; a slow
// hook slows publishers. The returned func removes the hook.
func (b *Broadcaster) AddHook(h Hook) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextHook
	b.nextHook++
	b.hooks[id] = h
	return func() {
		b.mu.Lock()
		delete(b.hooks, id)
		b.mu.Unlock()
	}
}

// Publish sends an event to every hook and interested subscriber. Timestamp
// is set if the caller left it zero. Subscribers never block the publisher:
// events are dropped for those whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	hooks := make([]Hook, 0, len(b.hooks))
	for _, h := range b.hooks {
		hooks = append(hooks, h)
	}
	b.fanOut(event)
	b.mu.RUnlock()

	// Outside the lock so a blocking hook cannot stall Subscribe or Close.
	for _, h := range hooks {
		h(event)
	}
}

// fanOut delivers to channel subscribers; b.mu must be held.
func (b *Broadcaster) fanOut(event *Event) {
	for id, sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"type", event.Type,
			)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Publishing after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}
	clear(b.hooks)
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
