// Package governor validates workflow definitions against a tenant's tier
// before they run: quotas, configuration sanitization, capability
// permissions and a scan for suspicious content. It also tracks admitted
// executions so concurrency and rate quotas hold across runs.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/policy"
	"github.com/fmonfasani/iopeer.com/pkg/telemetry"
)

// Options configures a Governor.
type Options struct {
	// Policy defaults to DefaultPolicy when it has no tiers.
	Policy Policy
	// Usage defaults to a MemoryUsageStore.
	Usage UsageStore
	// Permissions decides capability use. Defaults to the embedded OPA
	// capability policy.
	Permissions policy.Filter
	// OnValidate observes every validation result.
	OnValidate func(tier string, valid bool)
	Now        func() time.Time
	Logger     *slog.Logger
}

// Result is the outcome of Validate.
type Result struct {
	IsValid   bool
	Errors    []string
	Warnings  []string
	Sanitized *domain.Definition
	// Tier is the tier the checks were applied for, after resolving unknown names.
	Tier   string
	Limits TierLimits
}

// Err returns a *domain.ValidationError when the result is invalid.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	id := ""
	if r.Sanitized != nil {
		id = r.Sanitized.ID
	}
	return &domain.ValidationError{WorkflowID: id, Errors: append([]string(nil), r.Errors...)}
}

// Governor enforces a Policy. It is safe for concurrent use.
type Governor struct {
	mu      sync.RWMutex
	policy  Policy
	posture policy.Mode

	usage      UsageStore
	perms      policy.Filter
	onValidate func(string, bool)
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New builds a Governor. It fails when the policy is invalid or the embedded
// permission policy does not compile.
func New(ctx context.Context, opts Options) (*Governor, error) {
	p := opts.Policy
	if len(p.Tiers) == 0 {
		p = DefaultPolicy()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	posture, err := policy.ParseMode(p.PermissionPosture)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "governor")

	perms := opts.Permissions
	if perms == nil {
		engine, err := policy.NewEngine(ctx, policy.EngineOptions{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("build permission policy: %w", err)
		}
		perms = engine
	}

	usage := opts.Usage
	if usage == nil {
		usage = NewMemoryUsageStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Governor{
		policy:     p,
		posture:    posture,
		usage:      usage,
		perms:      perms,
		onValidate: opts.OnValidate,
		now:        now,
		logger:     logger,
		tracer:     otel.Tracer(telemetry.TracerName),
	}, nil
}

// Policy returns the active policy.
func (g *Governor) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// SetPolicy swaps the active policy. Validations already in flight finish
// with the previous one.
func (g *Governor) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	posture, err := policy.ParseMode(p.PermissionPosture)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.policy = p
	g.posture = posture
	g.mu.Unlock()
	g.logger.Info("governor policy updated", "version", p.Version, "tiers", len(p.Tiers))
	return nil
}

func (g *Governor) snapshot() (Policy, policy.Mode) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy, g.posture
}

// Validate runs the checks in order: quotas, sanitization, capability
// permissions, suspicious content. Every failing check contributes to
// Errors; the returned error is reserved for infrastructure failures such as
// an unreachable usage store.
func (g *Governor) Validate(ctx context.Context, def *domain.Definition, tenantID, tier string) (Result, error) {
	if def == nil {
		return Result{}, fmt.Errorf("%w: nil definition", domain.ErrInvalidWorkflow)
	}
	ctx, span := g.tracer.Start(ctx, "governor.validate", trace.WithAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("tenant.id", tenantID),
	))
	defer span.End()

	p, posture := g.snapshot()
	resolved, limits, known := p.Resolve(tier)
	res := Result{Tier: resolved, Limits: limits}
	if !known {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown tier %q, applying %q limits", tier, resolved))
	}

	// quotas
	nodes := len(def.Nodes)
	if nodes > limits.MaxNodes {
		res.Errors = append(res.Errors, fmt.Sprintf("workflow has %d nodes, tier %q allows %d", nodes, resolved, limits.MaxNodes))
	} else if p.NearLimitRatio > 0 && float64(nodes) >= p.NearLimitRatio*float64(limits.MaxNodes) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("workflow uses %d of %d nodes allowed for tier %q", nodes, limits.MaxNodes, resolved))
	}

	usage, err := g.usage.Usage(ctx, tenantID, g.now())
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	res.Errors = append(res.Errors, quotaErrors(usage, limits)...)

	// sanitization
	sanitized, removed := newSanitizer(p, resolved).definition(def)
	res.Sanitized = sanitized
	for _, node := range def.Nodes {
		for _, key := range removed[node.ID] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %q: removed restricted config key %q", node.ID, key))
		}
	}

	// permissions
	ranks := p.Ranks()
	for _, node := range def.Nodes {
		decision, err := posture.Resolve(g.perms.Evaluate(ctx, policy.Input{
			Capability: node.Type,
			Tier:       resolved,
			TenantID:   tenantID,
			Restricted: p.RestrictedCapabilities,
			TierRanks:  ranks,
		}))
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("evaluate permission for node %q: %w", node.ID, err)
		}
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = fmt.Sprintf("capability %q is not permitted for tier %q", node.Type, resolved)
			}
			res.Errors = append(res.Errors, fmt.Sprintf("node %q: %s", node.ID, reason))
		} else if decision.Reason != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %q: %s", node.ID, decision.Reason))
		}
	}

	// suspicious content, scanned on the definition as submitted
	found, err := scanSuspicious(def, p.SuspiciousPatterns)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if len(found) > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("suspicious content detected: %s", quoteAll(found)))
	}

	res.IsValid = len(res.Errors) == 0
	telemetry.RecordValidation(span, res.IsValid, resolved, len(res.Errors), len(res.Warnings))
	if g.onValidate != nil {
		g.onValidate(resolved, res.IsValid)
	}
	if !res.IsValid {
		g.logger.Warn("workflow rejected",
			"workflow_id", def.ID,
			"tenant_id", tenantID,
			"tier", resolved,
			"errors", res.Errors,
		)
	}
	return res, nil
}

func quotaErrors(u Usage, limits TierLimits) []string {
	var errs []string
	if limits.MaxPerMonth != Unlimited && u.Monthly >= limits.MaxPerMonth {
		errs = append(errs, fmt.Sprintf("monthly limit reached: %d executions in the last 30 days (limit %d)", u.Monthly, limits.MaxPerMonth))
	}
	if limits.MaxPerHour != Unlimited && u.Hourly >= limits.MaxPerHour {
		errs = append(errs, fmt.Sprintf("hourly rate limit reached: %d executions in the last hour (limit %d)", u.Hourly, limits.MaxPerHour))
	}
	if limits.MaxConcurrent != Unlimited && u.Active >= limits.MaxConcurrent {
		errs = append(errs, fmt.Sprintf("concurrent execution limit reached: %d active (limit %d)", u.Active, limits.MaxConcurrent))
	}
	return errs
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return strings.Join(quoted, ", ")
}

// Admission is an admitted execution holding one of its tenant's active slots.
type Admission struct {
	TenantID    string
	Tier        string
	ExecutionID string
	// MaxExecutionTime is the deadline to apply to the run. Zero means none.
	MaxExecutionTime time.Duration

	gov  *Governor
	once sync.Once
}

// Begin takes an active slot for the tenant and records the start. It fails
// with domain.ErrQuotaExceeded when the tier's concurrency limit is reached.
func (g *Governor) Begin(ctx context.Context, tenantID, tier, executionID string) (*Admission, error) {
	p, _ := g.snapshot()
	resolved, limits, _ := p.Resolve(tier)

	maxActive := limits.MaxConcurrent
	if maxActive == Unlimited {
		maxActive = 0
	}
	ok, err := g.usage.Acquire(ctx, tenantID, executionID, g.now(), maxActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s already runs %d executions (tier %q)", domain.ErrQuotaExceeded, tenantID, limits.MaxConcurrent, resolved)
	}
	return &Admission{
		TenantID:         tenantID,
		Tier:             resolved,
		ExecutionID:      executionID,
		MaxExecutionTime: limits.MaxExecutionTime(),
		gov:              g,
	}, nil
}

// End releases the slot. Calls after the first are no-ops.
func (a *Admission) End(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var err error
	a.once.Do(func() {
		err = a.gov.usage.Release(context.WithoutCancel(ctx), a.TenantID)
		if err != nil {
			a.gov.logger.Error("release execution slot", "tenant_id", a.TenantID, "execution_id", a.ExecutionID, "error", err)
		}
	})
	return err
}

// Usage reports the tenant's current usage.
func (g *Governor) Usage(ctx context.Context, tenantID string) (Usage, error) {
	return g.usage.Usage(ctx, tenantID, g.now())
}

// IsQuotaError reports whether err came from an admission quota.
func IsQuotaError(err error) bool {
	return errors.Is(err, domain.ErrQuotaExceeded)
}
