package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkflowMetrics holds the Prometheus view of workflow executions. It is
// fed entirely from lifecycle events, so the engine does not depend on it.
type WorkflowMetrics struct {
	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeWorkflows    prometheus.Gauge
	capabilityTotal    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
	validationsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewWorkflowMetrics creates the collector on its own registry.
func NewWorkflowMetrics() *WorkflowMetrics {
	registry := prometheus.NewRegistry()

	m := &WorkflowMetrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_total",
				Help: "Total number of finished workflow executions by status and tier",
			},
			[]string{"status", "tier"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"status"},
		),

		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_workflows",
				Help: "Number of workflow executions currently running",
			},
		),

		capabilityTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capability_executions_total",
				Help: "Total number of node invocations by capability and status",
			},
			[]string{"capability", "status"},
		),

		capabilityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capability_duration_seconds",
				Help:    "Node invocation latency in seconds by capability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Circuit breaker state changes by capability and target state",
			},
			[]string{"capability", "state"},
		),

		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_validations_total",
				Help: "Governor validations by result and tier",
			},
			[]string{"result", "tier"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.activeWorkflows,
		m.capabilityTotal,
		m.capabilityDuration,
		m.breakerTransitions,
		m.validationsTotal,
	)

	return m
}

// Registry exposes the underlying registry.
func (m *WorkflowMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *WorkflowMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to every lifecycle topic on bus.
func (m *WorkflowMetrics) Attach(bus *events.Bus) {
	bus.Subscribe(events.AllTopics, m.observe)
}

func (m *WorkflowMetrics) observe(_ context.Context, env events.Envelope) error {
	data := env.Data
	switch env.Type {
	case domain.EventWorkflowStarted:
		m.activeWorkflows.Inc()
	case domain.EventWorkflowCompleted, domain.EventWorkflowFailed:
		m.activeWorkflows.Dec()
		status := string(domain.WorkflowStatusCompleted)
		if env.Type == domain.EventWorkflowFailed {
			status = string(domain.WorkflowStatusFailed)
		}
		m.executionsTotal.WithLabelValues(status, label(data, "tier")).Inc()
		if d, ok := durationOf(data); ok {
			m.executionDuration.WithLabelValues(status).Observe(d.Seconds())
		}
	case domain.EventNodeCompleted:
		capability := label(data, "capability")
		m.capabilityTotal.WithLabelValues(capability, string(domain.NodeStatusCompleted)).Inc()
		if d, ok := durationOf(data); ok {
			m.capabilityDuration.WithLabelValues(capability).Observe(d.Seconds())
		}
	case domain.EventNodeFailed:
		m.capabilityTotal.WithLabelValues(label(data, "capability"), string(domain.NodeStatusFailed)).Inc()
	case domain.EventNodeSkipped:
		m.capabilityTotal.WithLabelValues(label(data, "capability"), string(domain.NodeStatusSkipped)).Inc()
	}
	return nil
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *WorkflowMetrics) RecordBreakerTransition(capability, to string) {
	m.breakerTransitions.WithLabelValues(capability, to).Inc()
}

// RecordValidation counts a governor decision.
func (m *WorkflowMetrics) RecordValidation(valid bool, tier string) {
	result := "rejected"
	if valid {
		result = "accepted"
	}
	m.validationsTotal.WithLabelValues(result, tier).Inc()
}

func label(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func durationOf(data map[string]any) (time.Duration, bool) {
	switch v := data["duration_ms"].(type) {
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	}
	return 0, false
}
