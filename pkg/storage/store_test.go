package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	Archive
	History
}

func backends(t *testing.T) map[string]func(t *testing.T, window int) backend {
	t.Helper()
	return map[string]func(t *testing.T, window int) backend{
		"memory": func(_ *testing.T, window int) backend { return NewMemoryStore(window) },
		"sqlite": func(t *testing.T, window int) backend {
			store, err := OpenSQLite(context.Background(), ":memory:", window)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func sampleRecord(id, workflowID string, started time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowName: "landing page",
		TenantID:     "tenant-1",
		Tier:         "pro",
		Status:       domain.WorkflowStatusCompleted,
		Input:        map[string]any{"brief": "coffee shop"},
		Nodes: []NodeRecord{
			{ID: "n1", Capability: "ui_generator", Status: domain.NodeStatusCompleted, Result: map[string]any{"x": 1.0}},
			{ID: "n2", Capability: "seo_optimizer", Status: domain.NodeStatusSkipped},
		},
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t, 0)
			started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, store.SaveExecution(ctx, sampleRecord("e1", "wf-a", started)))

			got, err := store.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "wf-a", got.WorkflowID)
			assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
			assert.Equal(t, 1500*time.Millisecond, got.Duration())
			n1, ok := got.Node("n1")
			require.True(t, ok)
			assert.Equal(t, map[string]any{"x": 1.0}, n1.Result)

			_, err = store.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			// saving again replaces the record
			updated := sampleRecord("e1", "wf-a", started)
			updated.Status = domain.WorkflowStatusFailed
			updated.Error = "boom"
			require.NoError(t, store.SaveExecution(ctx, updated))
			got, err = store.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, domain.WorkflowStatusFailed, got.Status)
			assert.Equal(t, "boom", got.Error)
		})
	}
}

func TestArchiveListsNewestFirst(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t, 0)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 4; i++ {
				wf := "wf-a"
				if i%2 == 1 {
					wf = "wf-b"
				}
				require.NoError(t, store.SaveExecution(ctx, sampleRecord(fmt.Sprintf("e%d", i), wf, base.Add(time.Duration(i)*time.Minute))))
			}

			all, err := store.ListExecutions(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "e3", all[0].ID)

			onlyA, err := store.ListExecutions(ctx, "wf-a", 1)
			require.NoError(t, err)
			require.Len(t, onlyA, 1)
			assert.Equal(t, "e2", onlyA[0].ID)
		})
	}
}

func TestHistoryAveragesRecentWindow(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t, 3)

			for _, seconds := range []int{100, 10, 20, 30} {
				require.NoError(t, store.RecordTiming(ctx, "backend_agent", time.Duration(seconds)*time.Second))
			}
			require.NoError(t, store.RecordTiming(ctx, "ui_generator", 4*time.Second))

			avg, err := store.Averages(ctx)
			require.NoError(t, err)
			assert.Equal(t, 20*time.Second, avg["backend_agent"], "oldest sample falls out of the window")
			assert.Equal(t, 4*time.Second, avg["ui_generator"])
			_, ok := avg["seo_optimizer"]
			assert.False(t, ok)
		})
	}
}
