package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the service.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Chat turn metrics.
	ChatTurnsTotal   *prometheus.CounterVec
	ChatTurnDuration *prometheus.HistogramVec

	// Token and credit metrics.
	TokensTotal         *prometheus.CounterVec
	CreditsChargedTotal *prometheus.CounterVec
	CommitFailuresTotal prometheus.Counter

	// Tool execution metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Sandbox lifecycle metrics.
	SandboxOpsTotal   *prometheus.CounterVec
	SandboxOpDuration *prometheus.HistogramVec
	HeartbeatsTotal   *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ChatTurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Total chat turns processed.",
		}, []string{"model", "status"}),

		ChatTurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiwanda",
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end chat turn duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "usage",
			Name:      "tokens_total",
			Help:      "Total model tokens consumed.",
		}, []string{"model", "direction"}),

		CreditsChargedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "usage",
			Name:      "credits_charged_total",
			Help:      "Total credits charged.",
		}, []string{"model"}),

		CommitFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "usage",
			Name:      "commit_failures_total",
			Help:      "Usage commits that failed and were only logged.",
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls executed.",
		}, []string{"tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiwanda",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		SandboxOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "sandbox",
			Name:      "ops_total",
			Help:      "Total sandbox provider operations.",
		}, []string{"op", "status"}),

		SandboxOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiwanda",
			Subsystem: "sandbox",
			Name:      "op_duration_seconds",
			Help:      "Sandbox provider operation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),

		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "sandbox",
			Name:      "heartbeats_total",
			Help:      "Heartbeat requests by outcome.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwanda",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kiwanda",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiwanda",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ChatTurnsTotal,
		m.ChatTurnDuration,
		m.TokensTotal,
		m.CreditsChargedTotal,
		m.CommitFailuresTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.SandboxOpsTotal,
		m.SandboxOpDuration,
		m.HeartbeatsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegisterActiveSandboxes exposes the live registry size as a gauge.
func (m *MetricsCollector) RegisterActiveSandboxes(f func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kiwanda",
		Subsystem: "sandbox",
		Name:      "active",
		Help:      "Number of sandboxes currently tracked in the registry.",
	}, f))
}
