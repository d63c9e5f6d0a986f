// ABOUTME: Prometheus collectors reporting catalog size and invocation outcomes
// ABOUTME: Counters are fed by a broadcaster hook, gauges read live state on scrape

package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/palasangha/pala-platform-sub010/internal/events"
)

const namespace = "toolbroker"

// Outcome label values for toolbroker_invocations_total.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Sources supplies the live values behind the gauges. Nil funcs report zero.
type Sources struct {
	Tools       func() int
	Agents      func() int
	Connections func() int
	Pending     func() int
}

// Metrics exposes Prometheus collectors that report broker activity.
type Metrics struct {
	invocations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	catalogEvent *prometheus.CounterVec
	logger       *slog.Logger
}

// MustNewMetrics constructs and registers the collectors with reg. Any
// registration error panics, mirroring the promauto helpers.
func MustNewMetrics(reg prometheus.Registerer, src Sources, logger *slog.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Invocations by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Time from dispatch to terminal outcome for sent invocations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		catalogEvent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_events_total",
				Help:      "Tool registrations and removals.",
			},
			[]string{"type"},
		),
		logger: logger.With("component", "metrics"),
	}

	reg.MustRegister(
		m.invocations,
		m.duration,
		m.catalogEvent,
		gaugeFunc("tools_registered", "Tools currently in the catalog.", src.Tools),
		gaugeFunc("agents_with_tools", "Agents owning at least one tool.", src.Agents),
		gaugeFunc("connections", "Live WebSocket connections.", src.Connections),
		gaugeFunc("invocations_pending", "Invocations awaiting an agent response.", src.Pending),
	)
	return m
}

func gaugeFunc(name, help string, fn func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		func() float64 {
			if fn == nil {
				return 0
			}
			return float64(fn())
		},
	)
}

// Attach registers Handle as a hook on bus, so no event is missed however
// busy the broker is. The returned func removes it.
func (m *Metrics) Attach(bus *events.Broadcaster) (detach func()) {
	m.logger.Debug("metrics attached to event bus")
	return bus.AddHook(m.Handle)
}

// Handle updates the collectors for one event. Each invocation is counted on
// its final event only, so a timeout that emits completed and failed counts
// once. Safe for concurrent use.
func (m *Metrics) Handle(evt *events.Event) {
	switch evt.Type {
	case events.ToolRegistered, events.ToolUnregistered:
		m.catalogEvent.WithLabelValues(string(evt.Type)).Inc()

	case events.InvocationCompleted, events.InvocationFailed:
		if !evt.Final {
			return
		}
		outcome := OutcomeRejected
		switch {
		case evt.Success:
			outcome = OutcomeSuccess
		case evt.Dispatched:
			outcome = OutcomeError
		}
		m.invocations.WithLabelValues(evt.ToolName, outcome).Inc()
		if evt.Dispatched {
			m.duration.WithLabelValues(evt.ToolName).Observe(evt.Duration.Seconds())
		}
	}
}
