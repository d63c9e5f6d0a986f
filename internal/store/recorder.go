// ABOUTME: Records invocation outcomes from the event broadcaster into the history store
// ABOUTME: Fed by a lossless bus hook; one row per invocation, written by a background loop

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/palasangha/pala-platform-sub010/internal/events"
)

const (
	recorderQueueSize  = 256
	recordWriteTimeout = 5 * time.Second
)

// Recorder turns final invocation events into InvocationRecords. Handle is
// registered as a broadcaster hook and never drops a record; Run performs
// the writes.
type Recorder struct {
	store  Store
	logger *slog.Logger

	queue    chan *InvocationRecord
	stopping chan struct{}

	mu      sync.RWMutex
	stopped bool
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    s,
		logger:   logger.With("component", "recorder"),
		queue:    make(chan *InvocationRecord, recorderQueueSize),
		stopping: make(chan struct{}),
	}
}

// Attach registers the recorder on bus and returns the removal func.
func (r *Recorder) Attach(bus *events.Broadcaster) (detach func()) {
	return bus.AddHook(r.Handle)
}

// Handle queues the record for a final invocation event. Other events are
// ignored. When the queue is full it waits for Run; once Run has stopped it
// writes the record itself.
func (r *Recorder) Handle(evt *events.Event) {
	rec, ok := recordFor(evt)
	if !ok {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.write(rec)
		return
	}
	select {
	case r.queue <- rec:
	case <-r.stopping:
		r.write(rec)
	}
}

// Run writes queued records until ctx is cancelled, then drains what is
// left. Call it once.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Info("invocation recorder started")
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			r.stop()
			return
		}
	}
}

func (r *Recorder) stop() {
	close(r.stopping)
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	drained := 0
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
			drained++
		default:
			r.logger.Info("invocation recorder stopped", "drained", drained)
			return
		}
	}
}

func (r *Recorder) write(rec *InvocationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordWriteTimeout)
	defer cancel()
	if err := r.store.AppendInvocation(ctx, rec); err != nil {
		r.logger.Error("failed to record invocation",
			"tool_name", rec.ToolName,
			"request_id", rec.RequestID,
			"error", err,
		)
	}
}

// recordFor builds the history row for evt, which must be the final event of
// an invocation.
func recordFor(evt *events.Event) (*InvocationRecord, bool) {
	if evt == nil || !evt.Final {
		return nil, false
	}
	switch evt.Type {
	case events.InvocationCompleted, events.InvocationFailed:
	default:
		return nil, false
	}
	return &InvocationRecord{
		RequestID:  evt.RequestID,
		TraceID:    evt.TraceID,
		ToolName:   evt.ToolName,
		AgentID:    evt.AgentID,
		Success:    evt.Success,
		Error:      evt.Error,
		Arguments:  evt.Arguments,
		Result:     evt.Result,
		Duration:   evt.Duration,
		FinishedAt: evt.Timestamp,
	}, true
}
