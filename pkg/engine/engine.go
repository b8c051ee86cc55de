package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/pkg/capability"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/engine/expr"
	"github.com/fmonfasani/iopeer.com/pkg/engine/runtime"
	"github.com/fmonfasani/iopeer.com/pkg/events"
	"github.com/fmonfasani/iopeer.com/pkg/governor"
	"github.com/fmonfasani/iopeer.com/pkg/optimizer"
	"github.com/fmonfasani/iopeer.com/pkg/storage"
	"github.com/fmonfasani/iopeer.com/pkg/telemetry"
)

// FailurePolicy decides what happens to the rest of a run once a node fails.
type FailurePolicy string

const (
	// FailureIsolate leaves the failed node's downstream nodes pending and
	// keeps running independent branches.
	FailureIsolate FailurePolicy = "isolate"
	// FailureHalt stops scheduling as soon as any node fails.
	FailureHalt FailurePolicy = "halt"
)

// ParseFailurePolicy accepts "isolate", "halt" or an empty string (isolate).
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(raw) {
	case "", FailureIsolate:
		return FailureIsolate, nil
	case FailureHalt:
		return FailureHalt, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", raw)
	}
}

// ErrNoGovernor is returned by Submit on an engine built without a Governor.
var ErrNoGovernor = errors.New("engine has no governor")

// Deps are the collaborators of an Engine. Only Registry is required.
type Deps struct {
	Registry *capability.Registry
	Bus      *events.Bus
	Breakers *governance.CircuitBreakerManager
	// Governor is required by Submit only.
	Governor  *governor.Governor
	Optimizer *optimizer.Optimizer
	Archive   storage.Archive
	History   storage.History
	Throttle  *governance.RateLimiter
	// Conditions compiles node conditions. Programs are cached across runs.
	Conditions *expr.Evaluator
	// Retry is the base policy for nodes that set a retries count.
	Retry         governance.RetryConfig
	PoolSize      int
	FailurePolicy FailurePolicy
	Logger        *slog.Logger
	Now           func() time.Time
}

// Engine runs workflows. It is safe for concurrent use; each run owns a
// private clone of its workflow.
type Engine struct {
	registry   *capability.Registry
	bus        *events.Bus
	breakers   *governance.CircuitBreakerManager
	governor   *governor.Governor
	optimizer  *optimizer.Optimizer
	archive    storage.Archive
	history    storage.History
	throttle   *governance.RateLimiter
	throttled  sync.Map
	conditions *expr.Evaluator
	retry      governance.RetryConfig
	pool       *runtime.Pool
	policy     FailurePolicy
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu     sync.RWMutex
	active map[string]*Execution
}

// New validates deps and fills in defaults for the optional ones.
func New(deps Deps) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errors.New("engine: capability registry is required")
	}
	policy, err := ParseFailurePolicy(string(deps.FailurePolicy))
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(events.Options{Logger: logger})
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig())
	}
	archive, history := deps.Archive, deps.History
	if archive == nil || history == nil {
		mem := storage.NewMemoryStore(0)
		if archive == nil {
			archive = mem
		}
		if history == nil {
			history = mem
		}
	}
	throttle := deps.Throttle
	if throttle == nil {
		throttle = governance.NewRateLimiter(nil)
	}
	conditions := deps.Conditions
	if conditions == nil {
		conditions = expr.NewEvaluator(expr.Options{})
	}
	retry := deps.Retry
	if retry == (governance.RetryConfig{}) {
		retry = governance.DefaultRetryConfig()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		registry:   deps.Registry,
		bus:        bus,
		breakers:   breakers,
		governor:   deps.Governor,
		optimizer:  deps.Optimizer,
		archive:    archive,
		history:    history,
		throttle:   throttle,
		conditions: conditions,
		retry:      retry,
		pool:       runtime.NewPool(deps.PoolSize),
		policy:     policy,
		logger:     logger,
		tracer:     otel.Tracer(telemetry.TracerName),
		now:        now,
		active:     make(map[string]*Execution),
	}, nil
}

// Bus returns the bus lifecycle events are published on.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Breakers returns the per-capability circuit breakers.
func (e *Engine) Breakers() *governance.CircuitBreakerManager { return e.breakers }

// Execute runs wf to completion and returns the execution id. The id is
// returned even when the run fails.
func (e *Engine) Execute(ctx context.Context, wf *domain.Workflow, initial map[string]any) (string, error) {
	exec, err := e.Run(ctx, wf, initial)
	if exec == nil {
		return "", err
	}
	return exec.ID, err
}

// Run is Execute returning the full execution.
func (e *Engine) Run(ctx context.Context, wf *domain.Workflow, initial map[string]any) (*Execution, error) {
	if wf == nil {
		return nil, fmt.Errorf("%w: nil workflow", domain.ErrInvalidWorkflow)
	}
	exec := newExecution(uuid.NewString(), wf.Clone(), initial)
	return exec, e.run(ctx, exec)
}

// Submit validates def for the tenant, admits it against the tier's quotas,
// plans it and runs it under the tier's maximum execution time.
func (e *Engine) Submit(ctx context.Context, def *domain.Definition, tenantID, tier string, initial map[string]any) (*Execution, error) {
	if e.governor == nil {
		return nil, ErrNoGovernor
	}
	res, err := e.governor.Validate(ctx, def, tenantID, tier)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	wf, err := res.Sanitized.Build()
	if err != nil {
		return nil, err
	}

	exec := newExecution(uuid.NewString(), wf, initial)
	exec.TenantID = tenantID
	exec.Tier = res.Tier
	exec.Warnings = append(exec.Warnings, res.Warnings...)

	admission, err := e.governor.Begin(ctx, tenantID, res.Tier, exec.ID)
	if err != nil {
		return nil, err
	}
	defer admission.End(ctx)

	runCtx, cancel := governance.WithTimeout(ctx, admission.MaxExecutionTime)
	defer cancel()

	if e.optimizer != nil {
		plan, err := e.optimizer.Optimize(runCtx, wf, exec.contextSnapshot())
		if err != nil {
			e.logger.Warn("workflow could not be planned", "execution_id", exec.ID, "workflow_id", wf.ID, "error", err)
		} else {
			exec.Plan = &plan
			exec.Warnings = append(exec.Warnings, plan.Warnings...)
			e.logger.Info("workflow planned",
				"execution_id", exec.ID,
				"workflow_id", wf.ID,
				"estimated_seconds", plan.EstimatedSeconds,
				"layers", len(plan.ParallelLayers),
				"cache_hits", len(plan.CacheHits),
			)
		}
	}
	for _, w := range exec.Warnings {
		e.logger.Warn("workflow warning", "execution_id", exec.ID, "workflow_id", wf.ID, "warning", w)
	}

	runErr := e.run(runCtx, exec)

	if e.optimizer != nil {
		if err := e.optimizer.Remember(wf, exec.Results()); err != nil {
			e.logger.Warn("cache workflow results", "execution_id", exec.ID, "error", err)
		}
	}
	return exec, runErr
}

// Lookup returns an archived execution.
func (e *Engine) Lookup(ctx context.Context, id string) (*storage.ExecutionRecord, error) {
	if exec, ok := e.activeExecution(id); ok {
		return exec.Record(), nil
	}
	rec, err := e.archive.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return rec, err
}

// History lists archived executions of a workflow, most recent first.
func (e *Engine) History(ctx context.Context, workflowID string, limit int) ([]*storage.ExecutionRecord, error) {
	return e.archive.ListExecutions(ctx, workflowID, limit)
}

// Active summarizes the executions currently running, oldest first.
func (e *Engine) Active() []Summary {
	e.mu.RLock()
	out := make([]Summary, 0, len(e.active))
	for _, exec := range e.active {
		out = append(out, exec.summary())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (e *Engine) activeExecution(id string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.active[id]
	return exec, ok
}

func (e *Engine) track(exec *Execution) {
	e.mu.Lock()
	e.active[exec.ID] = exec
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// run drives exec through its workflow in topological order.
func (e *Engine) run(ctx context.Context, exec *Execution) error {
	wf := exec.Workflow
	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.name", wf.Name),
		attribute.Int("workflow.nodes", len(wf.Nodes)),
	))
	defer span.End()

	exec.update(func() {
		exec.Status = domain.WorkflowStatusRunning
		wf.Status = domain.WorkflowStatusRunning
		exec.StartedAt = e.now()
	})
	e.track(exec)
	defer e.untrack(exec.ID)

	e.logger.Info("workflow started", "execution_id", exec.ID, "workflow_id", wf.ID, "nodes", len(wf.Nodes))
	started := e.eventData(exec)
	started["node_count"] = len(wf.Nodes)
	e.bus.Emit(ctx, domain.EventWorkflowStarted, started)

	order, err := e.prepare(wf)
	if err != nil {
		return e.finish(ctx, span, exec, err)
	}

	var firstErr, runErr error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			runErr = interrupted(err)
			break
		}
		node := wf.Nodes[id]
		if !ready(wf, node) {
			e.logger.Debug("node left pending", "execution_id", exec.ID, "node_id", id)
			continue
		}
		if reason, skip := e.skipReason(ctx, exec, node); skip {
			e.skip(ctx, exec, node, reason)
			continue
		}
		if err := e.executeNode(ctx, exec, node); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if e.policy == FailureHalt {
				e.logger.Warn("halting workflow after node failure", "execution_id", exec.ID, "node_id", id)
				break
			}
			if blocked := downstream(wf, id); len(blocked) > 0 {
				e.logger.Warn("downstream nodes blocked by failure", "execution_id", exec.ID, "node_id", id, "blocked", blocked)
			}
		}
	}
	if runErr == nil && ctx.Err() != nil && wf.AggregateStatus() != domain.WorkflowStatusCompleted {
		runErr = interrupted(ctx.Err())
	}

	err = firstErr
	if runErr != nil {
		err = runErr
	}
	return e.finish(ctx, span, exec, err)
}

// prepare checks the graph before anything runs.
func (e *Engine) prepare(wf *domain.Workflow) ([]string, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	var unknown []string
	for _, id := range wf.NodeIDs() {
		if _, ok := e.registry.Get(wf.Nodes[id].Capability); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, &domain.GraphError{
			Reason:  "nodes reference unregistered capabilities",
			NodeIDs: unknown,
			Err:     domain.ErrUnknownCapability,
		}
	}
	return executionOrder(wf)
}

// ready reports whether every success predecessor of node completed or was
// skipped.
func ready(wf *domain.Workflow, node *domain.Node) bool {
	for _, pred := range wf.SuccessPredecessors(node.ID) {
		if p, ok := wf.Nodes[pred]; !ok || !p.Status.Satisfied() {
			return false
		}
	}
	return true
}

// skipReason evaluates the node condition against the execution context. A
// condition that does not compile or fails to evaluate skips the node.
func (e *Engine) skipReason(ctx context.Context, exec *Execution, node *domain.Node) (string, bool) {
	cond := node.Condition()
	if cond == "" {
		return "", false
	}
	prog, err := e.conditions.Compile(cond)
	if err != nil {
		e.logger.Warn("invalid node condition", "execution_id", exec.ID, "node_id", node.ID, "error", err)
		return fmt.Sprintf("invalid condition: %v", err), true
	}
	ok, err := prog.Eval(ctx, expr.MapLookup(exec.contextSnapshot()))
	if err != nil {
		e.logger.Warn("node condition failed", "execution_id", exec.ID, "node_id", node.ID, "error", err)
		return fmt.Sprintf("condition error: %v", err), true
	}
	if !ok {
		return "condition evaluated to false", true
	}
	return "", false
}

func (e *Engine) skip(ctx context.Context, exec *Execution, node *domain.Node, reason string) {
	exec.update(func() {
		node.Status = domain.NodeStatusSkipped
		node.CompletedAt = e.now()
	})
	e.logger.Info("node skipped", "execution_id", exec.ID, "node_id", node.ID, "reason", reason)

	data := e.nodeEventData(exec, node)
	data["reason"] = reason
	e.bus.Emit(ctx, domain.EventNodeSkipped, data)
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		WorkflowID: exec.Workflow.ID,
		NodeID:     node.ID,
		Capability: node.Capability,
		Action:     node.Action(),
		Outcome:    runtime.OutcomeSkipped,
	})
}

// executeNode invokes one ready node and records its outcome. The returned
// error is a *domain.NodeExecutionError.
func (e *Engine) executeNode(ctx context.Context, exec *Execution, node *domain.Node) error {
	exec.update(func() {
		node.Status = domain.NodeStatusRunning
		node.StartedAt = e.now()
	})
	data := e.nodeEventData(exec, node)
	e.bus.Emit(ctx, domain.EventNodeStarted, data)

	var result runtime.NodeResult
	provider, ok := e.registry.Get(node.Capability)
	if ok {
		msg := capability.Message{
			Action: node.Action(),
			Data:   e.nodeInput(exec, node),
			Config: domain.CloneMap(node.Config),
		}
		result = e.dispatch(ctx, exec, node, provider, msg)
	} else {
		result = runtime.NodeResult{Err: fmt.Errorf("%w: %s", domain.ErrUnknownCapability, node.Capability)}.WithDefaults()
	}

	completed := e.now()
	data = e.nodeEventData(exec, node)
	data["outcome"] = string(result.Outcome)
	data["retries"] = result.Retries
	data["duration_ms"] = float64(result.Duration) / float64(time.Millisecond)

	if result.Err == nil {
		exec.update(func() {
			node.Status = domain.NodeStatusCompleted
			node.Result = result.Value
			node.CompletedAt = completed
			exec.Context[nodeKey(node.ID)] = result.Value
		})
		if err := e.history.RecordTiming(context.WithoutCancel(ctx), node.Capability, result.Duration); err != nil {
			e.logger.Warn("record capability timing", "capability", node.Capability, "error", err)
		}
		e.logger.Info("node completed",
			"execution_id", exec.ID,
			"node_id", node.ID,
			"capability", node.Capability,
			"duration", result.Duration,
		)
		e.bus.Emit(ctx, domain.EventNodeCompleted, data)
		return nil
	}

	exec.update(func() {
		node.Status = result.Outcome.Status()
		node.Error = result.Err.Error()
		node.CompletedAt = completed
	})
	e.logger.Error("node failed",
		"execution_id", exec.ID,
		"node_id", node.ID,
		"capability", node.Capability,
		"outcome", result.Outcome,
		"error", result.Err,
	)
	data["error"] = result.Err.Error()
	e.bus.Emit(context.WithoutCancel(ctx), domain.EventNodeFailed, data)
	return &domain.NodeExecutionError{NodeID: node.ID, Capability: node.Capability, Err: result.Err}
}

// nodeInput merges the initial data with a from_<pred> entry for every
// success-edge predecessor whose result is in the execution context. Error
// and conditional edges never feed input.
func (e *Engine) nodeInput(exec *Execution, node *domain.Node) map[string]any {
	exec.mu.RLock()
	defer exec.mu.RUnlock()
	data := domain.CloneMap(exec.Input)
	for _, pred := range exec.Workflow.SuccessPredecessors(node.ID) {
		if v, ok := exec.Context[nodeKey(pred)]; ok {
			data[fromKeyPrefix+pred] = v
		}
	}
	return data
}

// finish settles the aggregate status, publishes the terminal event and
// archives the run. It returns err.
func (e *Engine) finish(ctx context.Context, span trace.Span, exec *Execution, err error) error {
	completed := e.now()
	exec.update(func() {
		status := exec.Workflow.AggregateStatus()
		if err != nil || status != domain.WorkflowStatusCompleted {
			status = domain.WorkflowStatusFailed
		}
		exec.Status = status
		exec.Workflow.Status = status
		exec.Err = err
		exec.CompletedAt = completed
	})

	// The terminal event and the archive write happen even when ctx has ended.
	ctx = context.WithoutCancel(ctx)
	duration := completed.Sub(exec.StartedAt)
	data := e.eventData(exec)
	data["status"] = string(exec.Status)
	data["duration_ms"] = float64(duration) / float64(time.Millisecond)
	span.SetAttributes(attribute.String("workflow.status", string(exec.Status)))

	if err != nil {
		data["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("workflow failed", "execution_id", exec.ID, "workflow_id", exec.Workflow.ID, "duration", duration, "error", err)
		e.bus.Emit(ctx, domain.EventWorkflowFailed, data)
	} else {
		span.SetStatus(codes.Ok, "")
		e.logger.Info("workflow completed", "execution_id", exec.ID, "workflow_id", exec.Workflow.ID, "duration", duration)
		e.bus.Emit(ctx, domain.EventWorkflowCompleted, data)
	}

	if saveErr := e.archive.SaveExecution(ctx, exec.Record()); saveErr != nil {
		e.logger.Error("archive execution", "execution_id", exec.ID, "error", saveErr)
	}
	return err
}

func (e *Engine) eventData(exec *Execution) map[string]any {
	data := map[string]any{
		"execution_id":  exec.ID,
		"workflow_id":   exec.Workflow.ID,
		"workflow_name": exec.Workflow.Name,
	}
	if exec.Tier != "" {
		data["tier"] = exec.Tier
	}
	if exec.TenantID != "" {
		data["tenant_id"] = exec.TenantID
	}
	return data
}

func (e *Engine) nodeEventData(exec *Execution, node *domain.Node) map[string]any {
	return map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.Workflow.ID,
		"node_id":      node.ID,
		"capability":   node.Capability,
		"action":       node.Action(),
	}
}

// interrupted maps a run context error onto the error reported for the run.
func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrExecutionTimeout, err)
	}
	return err
}
