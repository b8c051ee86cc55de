package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/storage"
)

func buildWorkflow(t *testing.T, nodes map[string]string, edges ...[2]string) *domain.Workflow {
	t.Helper()
	wf := domain.NewWorkflow("wf", "plan me")
	for id, capability := range nodes {
		require.NoError(t, wf.AddNode(domain.NewNode(id, capability, nil)))
	}
	for _, e := range edges {
		require.NoError(t, wf.AddConnection(domain.Connection{Source: e[0], Target: e[1]}))
	}
	return wf
}

func TestOptimizeEstimateAndLayers(t *testing.T) {
	wf := buildWorkflow(t, map[string]string{
		"analyze": "data_analyst",
		"ui":      "ui_generator",
		"api":     "backend_agent",
		"ship":    "deployment_agent",
	},
		[2]string{"analyze", "ui"},
		[2]string{"analyze", "api"},
		[2]string{"ui", "ship"},
		[2]string{"api", "ship"},
	)

	plan, err := New(Options{}).Optimize(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"analyze"}, {"api", "ui"}, {"ship"}}, plan.ParallelLayers)
	// 30 + max(45, 60) + 120 + 4 connections * 2
	assert.InDelta(t, 218.0, plan.EstimatedSeconds, 0.001)
	assert.Empty(t, plan.Warnings)
	// ui (45s) is cheaper than api (60s) so it is ordered first
	assert.Equal(t, []string{"analyze", "ui", "api", "ship"}, plan.Order)
	assert.Len(t, plan.CacheKey, 64)
}

func TestOptimizeUsesHistory(t *testing.T) {
	history := storage.NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, history.RecordTiming(ctx, "backend_agent", 5*time.Second))

	wf := buildWorkflow(t, map[string]string{"ui": "ui_generator", "api": "backend_agent"})

	plan, err := New(Options{History: history}).Optimize(ctx, wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "ui"}, plan.Order)
	assert.InDelta(t, 45.0, plan.EstimatedSeconds, 0.001)
}

func TestOptimizeUnknownCapabilityFallsBack(t *testing.T) {
	wf := buildWorkflow(t, map[string]string{"x": "mystery"})
	opt := New(Options{})

	plan, err := opt.Optimize(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, plan.EstimatedSeconds, 0.001)
	assert.Equal(t, DefaultFallback, opt.Estimate(context.Background(), "mystery"))
}

func TestOptimizeWarnings(t *testing.T) {
	t.Run("long running", func(t *testing.T) {
		nodes := map[string]string{}
		var edges [][2]string
		for i := 0; i < 16; i++ {
			nodes[fmt.Sprintf("d%02d", i)] = "deployment_agent"
			if i > 0 {
				edges = append(edges, [2]string{fmt.Sprintf("d%02d", i-1), fmt.Sprintf("d%02d", i)})
			}
		}
		plan, err := New(Options{}).Optimize(context.Background(), buildWorkflow(t, nodes, edges...), nil)
		require.NoError(t, err)
		assert.Greater(t, plan.EstimatedSeconds, 1800.0)
		require.Len(t, plan.Warnings, 1)
		assert.Contains(t, plan.Warnings[0], "exceeds 1800s")
	})

	t.Run("wide layer", func(t *testing.T) {
		nodes := map[string]string{}
		for i := 0; i < 6; i++ {
			nodes[fmt.Sprintf("n%d", i)] = "seo_optimizer"
		}
		plan, err := New(Options{}).Optimize(context.Background(), buildWorkflow(t, nodes), nil)
		require.NoError(t, err)
		require.Len(t, plan.Warnings, 1)
		assert.Contains(t, plan.Warnings[0], "6 nodes in parallel")
	})
}

func TestOptimizeRejectsCycle(t *testing.T) {
	wf := buildWorkflow(t, map[string]string{"a": "x", "b": "x", "c": "x"},
		[2]string{"a", "b"}, [2]string{"b", "a"})

	_, err := New(Options{}).Optimize(context.Background(), wf, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCycle)

	var graphErr *domain.GraphError
	require.True(t, errors.As(err, &graphErr))
	assert.Equal(t, []string{"a", "b"}, graphErr.NodeIDs)
}

func TestOptimizeErrorEdgesDoNotOrder(t *testing.T) {
	wf := buildWorkflow(t, map[string]string{"a": "x", "b": "x"})
	require.NoError(t, wf.AddConnection(domain.Connection{Source: "a", Target: "b", Type: domain.ConnectionError}))
	require.NoError(t, wf.AddConnection(domain.Connection{Source: "b", Target: "a", Type: domain.ConnectionConditional}))

	plan, err := New(Options{}).Optimize(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, plan.ParallelLayers)
}

func TestCacheKeyIsStructural(t *testing.T) {
	a := buildWorkflow(t, map[string]string{"a": "x", "b": "y"}, [2]string{"a", "b"})
	b := buildWorkflow(t, map[string]string{"b": "y", "a": "x"}, [2]string{"a", "b"})
	b.ID = "other-id"
	b.Name = "other name"

	ka, err := CacheKey(a)
	require.NoError(t, err)
	kb, err := CacheKey(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	b.Nodes["a"].Config["prompt"] = "different"
	kc, err := CacheKey(b)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}

func TestRememberReportsCacheHits(t *testing.T) {
	opt := New(Options{})
	wf := buildWorkflow(t, map[string]string{"a": "x", "b": "y", "c": "z"},
		[2]string{"a", "b"}, [2]string{"b", "c"})

	require.NoError(t, opt.Remember(wf, map[string]any{"a": "A"}))
	require.NoError(t, opt.Remember(wf, map[string]any{"b": "B"}))

	plan, err := opt.Optimize(context.Background(), wf, map[string]any{"node_c": "C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, plan.CacheHits)
	assert.Equal(t, map[string]any{"a": "A", "b": "B", "c": "C"}, plan.CachedResults)
}

func TestResultCacheExpiresAndEvicts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := newResultCache(2, time.Hour, func() time.Time { return now })

	cache.Add("a", map[string]any{"n": 1})
	cache.Add("b", map[string]any{"n": 2})
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Add("c", map[string]any{"n": 3})
	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	assert.Equal(t, 2, cache.Len())

	now = now.Add(2 * time.Hour)
	_, ok = cache.Get("a")
	assert.False(t, ok, "expired entries are dropped")
	assert.Equal(t, 1, cache.Len())
}
