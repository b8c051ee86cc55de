package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/pkg/capability"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/engine/runtime"
	"github.com/fmonfasani/iopeer.com/pkg/telemetry"
)

// dispatch invokes the node's provider with per-attempt timeout, retries,
// throttling and the capability's circuit breaker.
func (e *Engine) dispatch(ctx context.Context, exec *Execution, node *domain.Node, provider capability.Provider, msg capability.Message) runtime.NodeResult {
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.id", exec.Workflow.ID),
		attribute.String("node.id", node.ID),
		attribute.String("node.capability", node.Capability),
		attribute.String("node.action", msg.Action),
	))
	defer span.End()

	timeout := nodeTimeout(node)
	retryPolicy := e.retryPolicy(node)
	breaker := e.breakers.Get(node.Capability)
	e.configureThrottle(node.Capability)

	start := e.now()
	attempt := 0
	retries := 0
	var value any
	var err error
	for {
		attemptCtx, cancel := governance.WithTimeout(ctx, timeout)
		value, err = e.invoke(attemptCtx, breaker, provider, node.Capability, msg)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if timedOut {
			err = fmt.Errorf("%w: node %s exceeded %s timeout", governance.ErrRequestTimeout, node.ID, timeout)
		}
		if err == nil || ctx.Err() != nil || !retryPolicy.ShouldRetry(err, attempt) {
			break
		}

		delay := retryPolicy.CalculateBackoff(attempt)
		e.logger.Warn("retrying node",
			"execution_id", exec.ID,
			"node_id", node.ID,
			"capability", node.Capability,
			"attempt", attempt+1,
			"backoff", delay,
			"error", err,
		)
		attempt++
		retries++

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	result := runtime.NodeResult{
		Value:    value,
		Retries:  retries,
		Duration: e.now().Sub(start),
		Err:      err,
	}.WithDefaults()

	span.SetAttributes(
		attribute.String("node.outcome", string(result.Outcome)),
		attribute.Int("node.retries", retries),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		WorkflowID: exec.Workflow.ID,
		NodeID:     node.ID,
		Capability: node.Capability,
		Action:     msg.Action,
		Outcome:    result.Outcome,
		Duration:   result.Duration,
		Retries:    retries,
	})
	return result
}

// invoke runs one attempt. Blocking providers take a worker pool slot; the
// others run on their own goroutine. Either way the scheduler only awaits.
func (e *Engine) invoke(ctx context.Context, breaker *governance.CircuitBreaker, provider capability.Provider, capType string, msg capability.Message) (any, error) {
	if err := e.throttle.Wait(ctx, capType); err != nil {
		return nil, err
	}

	var value any
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		call := func(ctx context.Context) (any, error) {
			return provider.Handle(ctx, msg)
		}
		var task *runtime.Task
		if capability.IsBlocking(provider) {
			task = e.pool.Go(ctx, call)
		} else {
			task = runtime.Go(ctx, call)
		}
		v, err := task.Await(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// configureThrottle installs the capability's declared rate limit the first
// time the capability is dispatched.
func (e *Engine) configureThrottle(capType string) {
	if _, loaded := e.throttled.LoadOrStore(capType, struct{}{}); loaded {
		return
	}
	meta, ok := e.registry.Metadata(capType)
	if !ok || meta.RateLimit.PerSecond <= 0 {
		return
	}
	e.throttle.Configure(capType, governance.RateLimiterConfig{
		RequestsPerSecond: meta.RateLimit.PerSecond,
		BurstSize:         meta.RateLimit.Burst,
	})
}

// retryPolicy returns nil unless the node asks for retries.
func (e *Engine) retryPolicy(node *domain.Node) *governance.RetryPolicy {
	n, ok := convertToInt(node.Config[domain.ConfigRetries])
	if !ok || n <= 0 {
		return nil
	}
	cfg := e.retry
	cfg.MaxRetries = n
	return governance.NewRetryPolicy(cfg)
}

func nodeTimeout(node *domain.Node) time.Duration {
	switch v := node.Config[domain.ConfigTimeout].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if secs, ok := convertToInt(v); ok && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	default:
		if secs, ok := convertToInt(v); ok && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func convertToInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		if bits.UintSize == 32 && (v > int64(math.MaxInt32) || v < int64(math.MinInt32)) {
			return 0, false
		}
		return int(v), true
	case uint:
		if v > uint(math.MaxInt) {
			return 0, false
		}
		return int(v), true
	case uint64:
		if v > uint64(math.MaxInt) {
			return 0, false
		}
		return int(v), true
	case float64:
		if v > float64(math.MaxInt) || v < float64(math.MinInt) {
			return 0, false
		}
		return int(v), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
