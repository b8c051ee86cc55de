package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/fmonfasani/iopeer.com/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	nodeExecutionCounter   metric.Int64Counter
	nodeRetryCounter       metric.Int64Counter
	nodeCircuitOpenCounter metric.Int64Counter
	nodeSkippedCounter     metric.Int64Counter
	nodeTimeoutCounter     metric.Int64Counter
	nodeLatencyHistogram   metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record node telemetry metrics.
type NodeMetrics struct {
	WorkflowID string
	NodeID     string
	Capability string
	Action     string
	Outcome    runtime.NodeOutcome
	Duration   time.Duration
	Retries    int
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", metrics.WorkflowID),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.capability", metrics.Capability),
		attribute.String("node.action", metrics.Action),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	switch metrics.Outcome {
	case runtime.OutcomeCircuitOpen:
		nodeCircuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case runtime.OutcomeSkipped:
		nodeSkippedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case runtime.OutcomeTimeout:
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("iopeer.engine")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"iopeer.node.executions_total",
			metric.WithDescription("Workflow node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"iopeer.node.retries_total",
			metric.WithDescription("Retry attempts performed for workflow nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"iopeer.node.circuit_open_total",
			metric.WithDescription("Invocations rejected by an open circuit breaker"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeSkippedCounter, metricsInitErr = meter.Int64Counter(
			"iopeer.node.skipped_total",
			metric.WithDescription("Nodes skipped because their condition was false"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"iopeer.node.timeout_total",
			metric.WithDescription("Timeout outcomes emitted by nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"iopeer.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordValidation attaches the outcome of a governor validation to span
// without leaking workflow content.
func RecordValidation(span trace.Span, valid bool, tier string, errors, warnings int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("governor.valid", valid),
		attribute.String("tenant.tier", tier),
		attribute.Int("governor.errors.count", errors),
		attribute.Int("governor.warnings.count", warnings),
	}

	span.AddEvent("governor.validation", trace.WithAttributes(attrs...))
}
