// Package optimizer plans a workflow before it runs: a duration-weighted
// topological order, the layers that could run in parallel, a runtime
// estimate, and which nodes already have cached results.
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/storage"
)

// Defaults used when Options leaves a field empty.
const (
	DefaultFallback           = 60 * time.Second
	DefaultConnectionOverhead = 2 * time.Second
	DefaultWarnAbove          = 1800 * time.Second
	DefaultMaxLayerWidth      = 5
	DefaultCacheSize          = 256
	DefaultCacheTTL           = 24 * time.Hour
)

// DefaultTimings are the expected durations per capability before any
// history has been recorded.
func DefaultTimings() map[string]time.Duration {
	return map[string]time.Duration{
		"data_analyst":     30 * time.Second,
		"ui_generator":     45 * time.Second,
		"backend_agent":    60 * time.Second,
		"deployment_agent": 120 * time.Second,
		"seo_optimizer":    25 * time.Second,
		"database_agent":   40 * time.Second,
	}
}

// Options configures an Optimizer.
type Options struct {
	// History supplies recent average durations. Optional.
	History            storage.History
	Defaults           map[string]time.Duration
	Fallback           time.Duration
	ConnectionOverhead time.Duration
	WarnAbove          time.Duration
	MaxLayerWidth      int
	CacheSize          int
	CacheTTL           time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
}

// Plan is the optimizer's view of one workflow.
type Plan struct {
	Order            []string
	ParallelLayers   [][]string
	EstimatedSeconds float64
	// CacheHits lists nodes whose results are already known, either in the
	// execution context or in the result cache.
	CacheHits     []string
	CachedResults map[string]any
	Warnings      []string
	CacheKey      string
}

// Optimizer computes Plans. It is safe for concurrent use.
type Optimizer struct {
	opts   Options
	cache  *resultCache
	logger *slog.Logger
}

// New creates an Optimizer.
func New(opts Options) *Optimizer {
	if opts.Defaults == nil {
		opts.Defaults = DefaultTimings()
	}
	if opts.Fallback <= 0 {
		opts.Fallback = DefaultFallback
	}
	if opts.ConnectionOverhead < 0 {
		opts.ConnectionOverhead = 0
	} else if opts.ConnectionOverhead == 0 {
		opts.ConnectionOverhead = DefaultConnectionOverhead
	}
	if opts.WarnAbove <= 0 {
		opts.WarnAbove = DefaultWarnAbove
	}
	if opts.MaxLayerWidth <= 0 {
		opts.MaxLayerWidth = DefaultMaxLayerWidth
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		opts:   opts,
		cache:  newResultCache(opts.CacheSize, opts.CacheTTL, opts.Now),
		logger: logger.With("component", "optimizer"),
	}
}

// Optimize plans wf. execCtx is the execution context of a run in progress
// (or nil); existing node_<id> entries count as cache hits.
func (o *Optimizer) Optimize(ctx context.Context, wf *domain.Workflow, execCtx map[string]any) (Plan, error) {
	if wf == nil {
		return Plan{}, fmt.Errorf("%w: nil workflow", domain.ErrInvalidWorkflow)
	}

	timings := o.timings(ctx)
	weight := func(id string) time.Duration {
		return o.expected(timings, wf.Nodes[id].Capability)
	}

	order, err := weightedOrder(wf, weight)
	if err != nil {
		return Plan{}, err
	}
	layers := parallelLayers(wf)

	var total time.Duration
	var warnings []string
	for i, layer := range layers {
		var longest time.Duration
		for _, id := range layer {
			if d := weight(id); d > longest {
				longest = d
			}
		}
		total += longest
		if len(layer) > o.opts.MaxLayerWidth {
			warnings = append(warnings, fmt.Sprintf(
				"layer %d runs %d nodes in parallel (more than %d); consider splitting it",
				i+1, len(layer), o.opts.MaxLayerWidth))
		}
	}
	total += time.Duration(len(wf.Connections)) * o.opts.ConnectionOverhead

	if total > o.opts.WarnAbove {
		warnings = append(warnings, fmt.Sprintf(
			"estimated execution time %.0fs exceeds %.0fs; consider breaking the workflow into smaller pieces",
			total.Seconds(), o.opts.WarnAbove.Seconds()))
	}

	key, err := CacheKey(wf)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Order:            order,
		ParallelLayers:   layers,
		EstimatedSeconds: total.Seconds(),
		Warnings:         warnings,
		CacheKey:         key,
		CachedResults:    map[string]any{},
	}

	cached, _ := o.cache.Get(key)
	for _, id := range order {
		if v, ok := execCtx["node_"+id]; ok {
			plan.CacheHits = append(plan.CacheHits, id)
			plan.CachedResults[id] = v
			continue
		}
		if v, ok := cached[id]; ok {
			plan.CacheHits = append(plan.CacheHits, id)
			plan.CachedResults[id] = v
		}
	}

	o.logger.Debug("workflow planned",
		"workflow_id", wf.ID,
		"nodes", len(order),
		"layers", len(layers),
		"estimated_seconds", plan.EstimatedSeconds,
		"cache_hits", len(plan.CacheHits),
	)
	return plan, nil
}

// Remember stores the results of completed nodes under the workflow's cache key.
func (o *Optimizer) Remember(wf *domain.Workflow, results map[string]any) error {
	if wf == nil || len(results) == 0 {
		return nil
	}
	key, err := CacheKey(wf)
	if err != nil {
		return err
	}
	merged := map[string]any{}
	if prev, ok := o.cache.Get(key); ok {
		for id, v := range prev {
			merged[id] = v
		}
	}
	for id, v := range results {
		merged[id] = v
	}
	o.cache.Add(key, merged)
	return nil
}

// Estimate returns the expected duration of capability.
func (o *Optimizer) Estimate(ctx context.Context, capability string) time.Duration {
	return o.expected(o.timings(ctx), capability)
}

func (o *Optimizer) timings(ctx context.Context) map[string]time.Duration {
	if o.opts.History == nil {
		return nil
	}
	avg, err := o.opts.History.Averages(ctx)
	if err != nil {
		o.logger.Warn("timing history unavailable, using defaults", "error", err)
		return nil
	}
	return avg
}

func (o *Optimizer) expected(history map[string]time.Duration, capability string) time.Duration {
	if d, ok := history[capability]; ok && d > 0 {
		return d
	}
	if d, ok := o.opts.Defaults[capability]; ok {
		return d
	}
	return o.opts.Fallback
}

type normalizedNode struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Config     map[string]any `json:"config"`
}

type normalizedConnection struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Type      string `json:"type"`
	Condition string `json:"condition,omitempty"`
}

// CacheKey hashes the structure of wf: nodes sorted by id and connections
// sorted by endpoints. Map keys are encoded in sorted order.
func CacheKey(wf *domain.Workflow) (string, error) {
	nodes := make([]normalizedNode, 0, len(wf.Nodes))
	for _, id := range wf.NodeIDs() {
		n := wf.Nodes[id]
		nodes = append(nodes, normalizedNode{ID: n.ID, Capability: n.Capability, Config: n.Config})
	}

	conns := make([]normalizedConnection, 0, len(wf.Connections))
	for _, c := range wf.Connections {
		conns = append(conns, normalizedConnection{
			Source:    c.Source,
			Target:    c.Target,
			Type:      string(c.Type),
			Condition: c.Condition,
		})
	}
	sort.Slice(conns, func(i, j int) bool {
		a, b := conns[i], conns[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Condition < b.Condition
	})

	payload, err := json.Marshal(struct {
		Nodes       []normalizedNode       `json:"nodes"`
		Connections []normalizedConnection `json:"connections"`
	}{nodes, conns})
	if err != nil {
		return "", fmt.Errorf("encode workflow %s for cache key: %w", wf.ID, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// weightedOrder is Kahn's algorithm over success edges where the ready set is
// drained cheapest first, ties broken by id.
func weightedOrder(wf *domain.Workflow, weight func(string) time.Duration) ([]string, error) {
	indegree := make(map[string]int, len(wf.Nodes))
	for id := range wf.Nodes {
		indegree[id] = 0
	}
	adj := wf.SuccessEdges()
	for _, targets := range adj {
		for _, t := range targets {
			indegree[t]++
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		wa, wb := weight(a), weight(b)
		if wa != wb {
			return wa < wb
		}
		return a < b
	}

	order := make([]string, 0, len(wf.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, t := range adj[id] {
			indegree[t]--
			if indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
	}

	if len(order) != len(wf.Nodes) {
		return nil, cycleError(indegree)
	}
	return order, nil
}

// parallelLayers groups nodes into frontiers: layer k holds every node whose
// success predecessors all sit in earlier layers. Call after weightedOrder has
// ruled out cycles.
func parallelLayers(wf *domain.Workflow) [][]string {
	indegree := make(map[string]int, len(wf.Nodes))
	for id := range wf.Nodes {
		indegree[id] = 0
	}
	adj := wf.SuccessEdges()
	for _, targets := range adj {
		for _, t := range targets {
			indegree[t]++
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var layers [][]string
	for len(frontier) > 0 {
		sort.Strings(frontier)
		layers = append(layers, frontier)
		var next []string
		for _, id := range frontier {
			for _, t := range adj[id] {
				indegree[t]--
				if indegree[t] == 0 {
					next = append(next, t)
				}
			}
		}
		frontier = next
	}
	return layers
}

func cycleError(indegree map[string]int) error {
	var stuck []string
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return &domain.GraphError{
		Reason:  "success edges form a cycle",
		NodeIDs: stuck,
		Err:     domain.ErrCycle,
	}
}
