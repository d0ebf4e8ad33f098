// Package observability holds the process-wide metrics registry and the
// append-only audit log consumed by external reporting.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	providerCallTotal  *prometheus.CounterVec
	providerErrorTotal *prometheus.CounterVec
	credentialRotation *prometheus.CounterVec

	firewallDecisionTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	truncationTotal       *prometheus.CounterVec

	compactionTotal prometheus.Counter

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec

	activeSessions prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_calls_total",
					Help: "Total LLM provider calls by provider, model, and status.",
				},
				[]string{"provider", "model", "status"},
			),
			providerErrorTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_errors_total",
					Help: "Total classified provider errors by provider and class.",
				},
				[]string{"provider", "class"},
			),
			credentialRotation: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credential_rotations_total",
					Help: "Total credential rotations by provider.",
				},
				[]string{"provider"},
			),
			firewallDecisionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "firewall_decisions_total",
					Help: "Total command firewall decisions by outcome.",
				},
				[]string{"decision"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_executions_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			truncationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_result_truncations_total",
					Help: "Total tool results truncated by tool.",
				},
				[]string{"tool"},
			),
			compactionTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "conversation_compactions_total",
					Help: "Total conversation compactions performed.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turns_total",
					Help: "Total orchestration turns by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Orchestration turn duration in seconds.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
				},
				[]string{"status"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
		}

		prometheus.MustRegister(
			m.providerCallTotal,
			m.providerErrorTotal,
			m.credentialRotation,
			m.firewallDecisionTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.truncationTotal,
			m.compactionTotal,
			m.turnTotal,
			m.turnDuration,
			m.queueSize,
			m.enqueueTotal,
			m.activeSessions,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call repeatedly.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordProviderCall counts one provider call.
func RecordProviderCall(provider, model string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	getMetrics().providerCallTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordProviderError counts one classified provider error.
func RecordProviderError(provider, class string) {
	getMetrics().providerErrorTotal.WithLabelValues(provider, class).Inc()
}

// RecordCredentialRotation counts one credential rotation.
func RecordCredentialRotation(provider string) {
	getMetrics().credentialRotation.WithLabelValues(provider).Inc()
}

// RecordFirewallDecision counts one permission decision.
func RecordFirewallDecision(decision string) {
	getMetrics().firewallDecisionTotal.WithLabelValues(decision).Inc()
}

// RecordToolExecution counts one tool execution with its duration.
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordTruncation counts one truncated tool result.
func RecordTruncation(tool string) {
	getMetrics().truncationTotal.WithLabelValues(tool).Inc()
}

// RecordCompaction counts one conversation compaction.
func RecordCompaction() {
	getMetrics().compactionTotal.Inc()
}

// RecordTurn counts one orchestration turn with its duration.
func RecordTurn(status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordQueueEnqueue counts one enqueue and updates the lane gauge.
func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SetQueueSize updates the lane queue gauge.
func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

// SetActiveSessions updates the active session gauge.
func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}
