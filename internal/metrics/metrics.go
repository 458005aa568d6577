// ABOUTME: Prometheus metrics for the relay, tool registry and agent sessions
// ABOUTME: Collectors register on an injected registry; nil *Metrics records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cohora"

// Metrics holds all custom Prometheus metrics for the gateway
type Metrics struct {
	registry *prometheus.Registry

	// Relay metrics
	Connections        prometheus.Gauge
	Authentications    *prometheus.CounterVec
	Messages           *prometheus.CounterVec
	PendingDropped     *prometheus.CounterVec
	HeartbeatEvictions prometheus.Counter

	// Tool metrics
	ToolInvocations    *prometheus.CounterVec
	ProviderInitErrors *prometheus.CounterVec

	// Session metrics
	Sessions        *prometheus.CounterVec
	SessionSteps    prometheus.Histogram
	SessionDuration prometheus.Histogram
}

// New creates the gateway metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections_active",
			Help:      "Number of authenticated relay connections",
		}),
		Authentications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_authentications_total",
			Help:      "Relay authentication attempts by result",
		}, []string{"result"}), // ok, rejected, superseded
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages routed by outcome",
		}, []string{"outcome"}), // delivered, queued, requeued, flushed, not_found
		PendingDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_pending_dropped_total",
			Help:      "Pending messages dropped from a recipient queue",
		}, []string{"reason"}), // overflow, expired
		HeartbeatEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_heartbeat_evictions_total",
			Help:      "Connections closed for missing heartbeats",
		}),

		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ProviderInitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_provider_init_errors_total",
			Help:      "External tool providers that failed to initialize",
		}, []string{"kind"}),

		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_sessions_total",
			Help:      "Agent sessions by terminal outcome",
		}, []string{"outcome"}),
		SessionSteps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_session_steps",
			Help:      "Tool steps taken per agent session",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20, 30},
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_session_duration_seconds",
			Help:      "Agent session wall clock duration",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
}

// RegisterPendingGauge exposes the total pending queue depth through fn.
func (m *Metrics) RegisterPendingGauge(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_pending_messages",
		Help:      "Messages waiting in recipient queues",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) Authentication(result string) {
	if m != nil {
		m.Authentications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Message(outcome string) {
	if m != nil {
		m.Messages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) PendingDrop(reason string, n int) {
	if m != nil && n > 0 {
		m.PendingDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) HeartbeatEviction() {
	if m != nil {
		m.HeartbeatEvictions.Inc()
	}
}

func (m *Metrics) ToolInvocation(tool, status string) {
	if m != nil {
		m.ToolInvocations.WithLabelValues(tool, status).Inc()
	}
}

func (m *Metrics) ProviderInitError(kind string) {
	if m != nil {
		m.ProviderInitErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SessionFinished(outcome string, steps int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
	m.SessionSteps.Observe(float64(steps))
	m.SessionDuration.Observe(elapsed.Seconds())
}
