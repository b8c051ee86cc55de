// Package runtime defines the contracts shared by the workflow scheduler and
// its observers: node outcome classification and the task abstraction used to
// await capability invocations.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
)

// NodeOutcome captures the classification of a node execution result.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the provider returned without error.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeFailure indicates the provider failed without a more specific classification.
	OutcomeFailure NodeOutcome = "failure"
	// OutcomeTimeout indicates the node or run deadline elapsed.
	OutcomeTimeout NodeOutcome = "timeout"
	// OutcomeCircuitOpen indicates the circuit breaker blocked the call.
	OutcomeCircuitOpen NodeOutcome = "circuitopen"
	// OutcomeCanceled indicates the caller abandoned the run.
	OutcomeCanceled NodeOutcome = "canceled"
	// OutcomeSkipped indicates the node condition evaluated to false.
	OutcomeSkipped NodeOutcome = "skipped"
)

// NodeResult bundles what the scheduler learned from one node invocation.
type NodeResult struct {
	Outcome  NodeOutcome
	Value    any
	Retries  int
	Duration time.Duration
	Err      error
}

// WithDefaults ensures the outcome is set even when callers omit it.
func (r NodeResult) WithDefaults() NodeResult {
	if r.Outcome == "" {
		if r.Err != nil {
			r.Outcome = Classify(r.Err)
		} else {
			r.Outcome = OutcomeSuccess
		}
	}
	return r
}

// Classify maps an invocation error onto an outcome.
func Classify(err error) NodeOutcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, governance.ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrExecutionTimeout):
		return OutcomeTimeout
	case errors.Is(err, governance.ErrCircuitOpen):
		return OutcomeCircuitOpen
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeFailure
	}
}

// Status converts an outcome into the node status it leaves behind.
func (o NodeOutcome) Status() domain.NodeStatus {
	switch o {
	case OutcomeSuccess:
		return domain.NodeStatusCompleted
	case OutcomeSkipped:
		return domain.NodeStatusSkipped
	default:
		return domain.NodeStatusFailed
	}
}
