package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/pkg/capability"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/events"
	"github.com/fmonfasani/iopeer.com/pkg/governor"
	"github.com/fmonfasani/iopeer.com/pkg/optimizer"
	"github.com/fmonfasani/iopeer.com/pkg/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errProvider = errors.New("provider exploded")

// testRegistry registers:
//   - echo: returns {"ok": true, "input": data}
//   - fail: always returns errProvider
//   - counter: like echo, counting calls in calls
func testRegistry(t testing.TB, calls *atomic.Int32) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	echo := capability.ProviderFunc(func(_ context.Context, msg capability.Message) (any, error) {
		return map[string]any{"ok": true, "input": msg.Data}, nil
	})
	require.NoError(t, reg.Register("echo", echo, capability.Metadata{Name: "echo"}))
	require.NoError(t, reg.Register("fail", capability.ProviderFunc(func(context.Context, capability.Message) (any, error) {
		return nil, errProvider
	}), capability.Metadata{Name: "fail"}))
	require.NoError(t, reg.Register("counter", capability.ProviderFunc(func(ctx context.Context, msg capability.Message) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return echo(ctx, msg)
	}), capability.Metadata{Name: "counter"}))
	return reg
}

func newTestEngine(t testing.TB, reg *capability.Registry, mutate func(*Deps)) *Engine {
	t.Helper()
	deps := Deps{
		Registry: reg,
		Logger:   quietLogger(),
		Retry: governance.RetryConfig{
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 1,
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	eng, err := New(deps)
	require.NoError(t, err)
	return eng
}

func node(id, capType string, kv ...any) *domain.Node {
	cfg := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		cfg[kv[i].(string)] = kv[i+1]
	}
	return domain.NewNode(id, capType, cfg)
}

func edge(src, dst string) domain.Connection {
	return domain.Connection{Source: src, Target: dst, Type: domain.ConnectionSuccess}
}

func graph(t testing.TB, nodes []*domain.Node, conns ...domain.Connection) *domain.Workflow {
	t.Helper()
	wf := domain.NewWorkflow("wf-test", "test workflow")
	for _, n := range nodes {
		require.NoError(t, wf.AddNode(n))
	}
	for _, c := range conns {
		require.NoError(t, wf.AddConnection(c))
	}
	return wf
}

type recorded struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func record(bus *events.Bus) *recorded {
	r := &recorded{}
	bus.Subscribe(events.AllTopics, func(_ context.Context, env events.Envelope) error {
		r.mu.Lock()
		r.envs = append(r.envs, env)
		r.mu.Unlock()
		return nil
	})
	return r
}

func (r *recorded) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, env := range r.envs {
		out[i] = env.Type
	}
	return out
}

func (r *recorded) find(topic, nodeID string) (events.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.envs {
		if env.Type == topic && (nodeID == "" || env.Data["node_id"] == nodeID) {
			return env, true
		}
	}
	return events.Envelope{}, false
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailureIsolate, p)

	p, err = ParseFailurePolicy("halt")
	require.NoError(t, err)
	assert.Equal(t, FailureHalt, p)

	_, err = ParseFailurePolicy("retry-forever")
	require.Error(t, err)
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestExecutionOrderIsDeterministic(t *testing.T) {
	wf := graph(t,
		[]*domain.Node{node("d", "echo"), node("c", "echo"), node("b", "echo"), node("a", "echo")},
		edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"),
	)
	order, err := executionOrder(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestExecutionOrderRespectsSuccessEdges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "nodes")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("n%02d", i)
		}
		// labels[i] has topological rank i, so edges from lower to higher
		// rank can never form a cycle.
		labels := rapid.Permutation(ids).Draw(t, "labels")

		wf := domain.NewWorkflow("prop", "prop")
		for _, id := range labels {
			require.NoError(t, wf.AddNode(domain.NewNode(id, "echo", nil)))
		}
		kinds := []domain.ConnectionType{domain.ConnectionSuccess, domain.ConnectionError, domain.ConnectionConditional}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if !rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					continue
				}
				kind := rapid.SampledFrom(kinds).Draw(t, fmt.Sprintf("kind_%d_%d", i, j))
				require.NoError(t, wf.AddConnection(domain.Connection{Source: labels[i], Target: labels[j], Type: kind}))
			}
		}

		order, err := executionOrder(wf)
		require.NoError(t, err)
		require.Len(t, order, n)

		pos := make(map[string]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for _, c := range wf.Connections {
			if c.Type == domain.ConnectionSuccess && pos[c.Source] >= pos[c.Target] {
				t.Fatalf("%s ordered after its successor %s: %v", c.Source, c.Target, order)
			}
		}

		again, err := executionOrder(wf.Clone())
		require.NoError(t, err)
		require.Equal(t, order, again)
	})
}

func TestRunRejectsCycleBeforeAnyNodeRuns(t *testing.T) {
	var calls atomic.Int32
	eng := newTestEngine(t, testRegistry(t, &calls), nil)
	rec := record(eng.Bus())

	wf := graph(t,
		[]*domain.Node{node("a", "counter"), node("b", "counter"), node("c", "counter")},
		edge("a", "b"), edge("b", "a"),
	)
	exec, err := eng.Run(context.Background(), wf, nil)
	require.ErrorIs(t, err, domain.ErrCycle)

	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, []string{"a", "b"}, gerr.NodeIDs)

	assert.Zero(t, calls.Load())
	for _, id := range []string{"a", "b", "c"} {
		n, ok := exec.Node(id)
		require.True(t, ok)
		assert.Equal(t, domain.NodeStatusPending, n.Status, id)
	}
	assert.Equal(t, domain.WorkflowStatusFailed, exec.Status)
	assert.Equal(t, []string{domain.EventWorkflowStarted, domain.EventWorkflowFailed}, rec.types())
}

func TestRunRejectsUnknownCapability(t *testing.T) {
	var calls atomic.Int32
	eng := newTestEngine(t, testRegistry(t, &calls), nil)

	wf := graph(t, []*domain.Node{node("a", "counter"), node("b", "teleport")}, edge("a", "b"))
	_, err := eng.Run(context.Background(), wf, nil)
	require.ErrorIs(t, err, domain.ErrUnknownCapability)

	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, []string{"b"}, gerr.NodeIDs)
	assert.Zero(t, calls.Load())
}

func TestRunPropagatesPredecessorResults(t *testing.T) {
	var seen map[string]any
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("capture", capability.ProviderFunc(func(_ context.Context, msg capability.Message) (any, error) {
		seen = msg.Data
		return "captured", nil
	}), capability.Metadata{Name: "capture"}))
	eng := newTestEngine(t, reg, nil)

	wf := graph(t, []*domain.Node{node("n1", "echo"), node("n2", "capture")}, edge("n1", "n2"))
	exec, err := eng.Run(context.Background(), wf, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, exec.Status)

	require.Contains(t, seen, "from_n1")
	assert.Equal(t, "go", seen["topic"])
	upstream, ok := seen["from_n1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, upstream["ok"])

	v, ok := exec.Result("n2")
	require.True(t, ok)
	assert.Equal(t, "captured", v)
	assert.Contains(t, exec.Context, "node_n1")
	assert.Equal(t, map[string]any{"topic": "go"}, exec.Context["initial_data"])
	assert.Len(t, exec.Results(), 2)

	// The caller's workflow is never mutated by a run.
	assert.Equal(t, domain.NodeStatusPending, wf.Nodes["n1"].Status)
}

func TestOnlySuccessEdgesFeedInput(t *testing.T) {
	var seen map[string]any
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("capture", capability.ProviderFunc(func(_ context.Context, msg capability.Message) (any, error) {
		seen = msg.Data
		return "captured", nil
	}), capability.Metadata{Name: "capture"}))
	eng := newTestEngine(t, reg, nil)

	wf := graph(t,
		[]*domain.Node{node("a", "echo"), node("m", "echo"), node("z", "capture")},
		domain.Connection{Source: "a", Target: "z", Type: domain.ConnectionError},
		edge("m", "z"),
	)
	exec, err := eng.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, exec.Status)

	assert.Contains(t, exec.Context, "node_a")
	assert.Contains(t, seen, "from_m")
	assert.NotContains(t, seen, "from_a")
}

func TestRunEmitsLifecycleEventsInOrder(t *testing.T) {
	eng := newTestEngine(t, testRegistry(t, nil), nil)
	rec := record(eng.Bus())
	sink := events.NewChannelSink(16)
	eng.Bus().AddSink(sink)

	wf := graph(t, []*domain.Node{node("a", "echo"), node("b", "echo", "action", "summarize")}, edge("a", "b"))
	id, err := eng.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, []string{
		domain.EventWorkflowStarted,
		domain.EventNodeStarted, domain.EventNodeCompleted,
		domain.EventNodeStarted, domain.EventNodeCompleted,
		domain.EventWorkflowCompleted,
	}, rec.types())

	done, ok := rec.find(domain.EventNodeCompleted, "b")
	require.True(t, ok)
	assert.Equal(t, id, done.Data["execution_id"])
	assert.Equal(t, "summarize", done.Data["action"])
	assert.IsType(t, float64(0), done.Data["duration_ms"])

	var first events.Envelope
	require.NoError(t, json.Unmarshal(<-sink.C(), &first))
	assert.Equal(t, domain.EventWorkflowStarted, first.Type)
	assert.Equal(t, id, first.Data["execution_id"])
}

// stallingSink holds every frame until the bus gives up on the send.
type stallingSink struct{ closed atomic.Bool }

func (s *stallingSink) Send(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func TestSlowSinkDoesNotDelayRun(t *testing.T) {
	bus := events.NewBus(events.Options{Logger: quietLogger(), SendTimeout: time.Second})
	slow := &stallingSink{}
	bus.AddSink(slow)
	eng := newTestEngine(t, testRegistry(t, nil), func(d *Deps) { d.Bus = bus })

	wf := graph(t, []*domain.Node{node("a", "echo"), node("b", "echo")}, edge("a", "b"))
	start := time.Now()
	exec, err := eng.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, exec.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Eventually(t, slow.closed.Load, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, bus.SinkCount())
}

func TestFailedNodeLeavesDependentsPending(t *testing.T) {
	eng := newTestEngine(t, testRegistry(t, nil), nil)
	rec := record(eng.Bus())

	wf := graph(t, []*domain.Node{node("a", "fail"), node("b", "echo")}, edge("a", "b"))
	exec, err := eng.Run(context.Background(), wf, nil)

	var nerr *domain.NodeExecutionError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "a", nerr.NodeID)
	require.ErrorIs(t, err, errProvider)

	a, _ := exec.Node("a")
	b, _ := exec.Node("b")
	assert.Equal(t, domain.NodeStatusFailed, a.Status)
	assert.Equal(t, errProvider.Error(), a.Error)
	assert.Equal(t, domain.NodeStatusPending, b.Status)
	assert.Equal(t, domain.WorkflowStatusFailed, exec.Status)

	failed, ok := rec.find(domain.EventNodeFailed, "a")
	require.True(t, ok)
	assert.Equal(t, "failure", failed.Data["outcome"])
	_, ok = rec.find(domain.EventWorkflowFailed, "")
	assert.True(t, ok)
}

func TestFailurePolicies(t *testing.T) {
	tests := []struct {
		policy  FailurePolicy
		wantB   domain.NodeStatus
		wantRun domain.WorkflowStatus
	}{
		{policy: FailureIsolate, wantB: domain.NodeStatusCompleted, wantRun: domain.WorkflowStatusFailed},
		{policy: FailureHalt, wantB: domain.NodeStatusPending, wantRun: domain.WorkflowStatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			eng := newTestEngine(t, testRegistry(t, nil), func(d *Deps) { d.FailurePolicy = tt.policy })
			wf := graph(t,
				[]*domain.Node{node("a", "fail"), node("b", "echo"), node("c", "echo")},
				edge("a", "c"),
			)
			exec, err := eng.Run(context.Background(), wf, nil)
			var nerr *domain.NodeExecutionError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, "a", nerr.NodeID)

			b, _ := exec.Node("b")
			c, _ := exec.Node("c")
			assert.Equal(t, tt.wantB, b.Status)
			assert.Equal(t, domain.NodeStatusPending, c.Status)
			assert.Equal(t, tt.wantRun, exec.Status)
		})
	}
}

func TestSkippedPredecessorUnblocksSuccessors(t *testing.T) {
	eng := newTestEngine(t, testRegistry(t, nil), nil)
	rec := record(eng.Bus())

	wf := graph(t,
		[]*domain.Node{
			node("a", "echo", "condition", "initial_data.mode == 'full'"),
			node("b", "echo"),
			node("c", "echo", "condition", "node_b.ok and not ('from_a' in node_b.input)"),
		},
		edge("a", "b"), edge("b", "c"),
	)
	exec, err := eng.Run(context.Background(), wf, map[string]any{"mode": "lite"})
	require.NoError(t, err)

	a, _ := exec.Node("a")
	b, _ := exec.Node("b")
	c, _ := exec.Node("c")
	assert.Equal(t, domain.NodeStatusSkipped, a.Status)
	assert.Equal(t, domain.NodeStatusCompleted, b.Status)
	assert.Equal(t, domain.NodeStatusCompleted, c.Status)
	assert.Equal(t, domain.WorkflowStatusCompleted, exec.Status)

	skipped, ok := rec.find(domain.EventNodeSkipped, "a")
	require.True(t, ok)
	assert.Equal(t, "condition evaluated to false", skipped.Data["reason"])
}

func TestUnsafeConditionSkipsNode(t *testing.T) {
	var calls atomic.Int32
	eng := newTestEngine(t, testRegistry(t, &calls), nil)
	rec := record(eng.Bus())

	wf := graph(t, []*domain.Node{
		node("a", "counter", "condition", "__import__('os').system('rm -rf /')"),
		node("b", "counter", "condition", "missing.value > 1"),
	})
	exec, err := eng.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	for _, id := range []string{"a", "b"} {
		n, _ := exec.Node(id)
		assert.Equal(t, domain.NodeStatusSkipped, n.Status, id)
	}
	skipped, ok := rec.find(domain.EventNodeSkipped, "a")
	require.True(t, ok)
	assert.Contains(t, skipped.Data["reason"], "invalid condition")
}

func TestRunDeadlineLeavesRemainingNodesPending(t *testing.T) {
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("slow", capability.ProviderFunc(func(ctx context.Context, _ capability.Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), capability.Metadata{Name: "slow"}))
	eng := newTestEngine(t, reg, nil)

	wf := graph(t, []*domain.Node{node("a", "slow"), node("b", "echo")}, edge("a", "b"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	exec, err := eng.Run(ctx, wf, nil)
	require.ErrorIs(t, err, domain.ErrExecutionTimeout)

	a, _ := exec.Node("a")
	b, _ := exec.Node("b")
	assert.Equal(t, domain.NodeStatusFailed, a.Status)
	assert.Equal(t, domain.NodeStatusPending, b.Status)
	assert.Equal(t, domain.WorkflowStatusFailed, exec.Status)
}

func TestNodeTimeout(t *testing.T) {
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("slow", capability.ProviderFunc(func(ctx context.Context, _ capability.Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), capability.Metadata{Name: "slow"}))
	eng := newTestEngine(t, reg, nil)
	rec := record(eng.Bus())

	wf := graph(t, []*domain.Node{node("a", "slow", "timeout_seconds", 0.02)})
	_, err := eng.Run(context.Background(), wf, nil)
	require.ErrorIs(t, err, governance.ErrRequestTimeout)

	failed, ok := rec.find(domain.EventNodeFailed, "a")
	require.True(t, ok)
	assert.Equal(t, "timeout", failed.Data["outcome"])
}

func TestNodeRetries(t *testing.T) {
	var attempts atomic.Int32
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("flaky", capability.ProviderFunc(func(context.Context, capability.Message) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return "ok", nil
	}), capability.Metadata{Name: "flaky"}))
	eng := newTestEngine(t, reg, nil)
	rec := record(eng.Bus())

	wf := graph(t, []*domain.Node{node("a", "flaky", "retries", 2)})
	exec, err := eng.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, domain.WorkflowStatusCompleted, exec.Status)

	done, ok := rec.find(domain.EventNodeCompleted, "a")
	require.True(t, ok)
	assert.Equal(t, 2, done.Data["retries"])
}

func TestOpenCircuitFailsWithoutInvokingProvider(t *testing.T) {
	var calls atomic.Int32
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("brittle", capability.ProviderFunc(func(context.Context, capability.Message) (any, error) {
		calls.Add(1)
		return nil, errProvider
	}), capability.Metadata{Name: "brittle"}))

	breakers := governance.NewCircuitBreakerManager(governance.CircuitBreakerConfig{
		FailureRateThreshold: 50,
		MinRequests:          1,
		CoolDown:             time.Hour,
	})
	eng := newTestEngine(t, reg, func(d *Deps) { d.Breakers = breakers })
	rec := record(eng.Bus())

	wf := graph(t, []*domain.Node{node("a", "brittle")})
	_, err := eng.Run(context.Background(), wf, nil)
	require.ErrorIs(t, err, errProvider)
	assert.Equal(t, governance.StateOpen, breakers.Get("brittle").State())
	before := calls.Load()

	_, err = eng.Run(context.Background(), wf, nil)
	require.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.Equal(t, before, calls.Load())

	rec.mu.Lock()
	last := rec.envs[len(rec.envs)-2]
	rec.mu.Unlock()
	assert.Equal(t, domain.EventNodeFailed, last.Type)
	assert.Equal(t, "circuitopen", last.Data["outcome"])
}

func TestBlockingProvidersAndPanics(t *testing.T) {
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("sync", capability.Blocking(func(msg capability.Message) (any, error) {
		return msg.Data["x"], nil
	}), capability.Metadata{Name: "sync"}))
	require.NoError(t, reg.Register("panicky", capability.ProviderFunc(func(context.Context, capability.Message) (any, error) {
		panic("boom")
	}), capability.Metadata{Name: "panicky"}))
	eng := newTestEngine(t, reg, func(d *Deps) { d.PoolSize = 1 })

	wf := graph(t, []*domain.Node{node("a", "sync"), node("b", "panicky")})
	exec, err := eng.Run(context.Background(), wf, map[string]any{"x": 42})
	require.Error(t, err)

	v, ok := exec.Result("a")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	b, _ := exec.Node("b")
	assert.Equal(t, domain.NodeStatusFailed, b.Status)
	assert.Contains(t, b.Error, "provider panic: boom")
}

func TestActiveAndLookup(t *testing.T) {
	var eng *Engine
	var during []Summary
	reg := testRegistry(t, nil)
	require.NoError(t, reg.Register("observe", capability.ProviderFunc(func(context.Context, capability.Message) (any, error) {
		during = eng.Active()
		return nil, nil
	}), capability.Metadata{Name: "observe"}))

	store := storage.NewMemoryStore(0)
	eng = newTestEngine(t, reg, func(d *Deps) {
		d.Archive = store
		d.History = store
	})

	wf := graph(t, []*domain.Node{node("a", "echo"), node("b", "observe")}, edge("a", "b"))
	id, err := eng.Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	require.Len(t, during, 1)
	assert.Equal(t, id, during[0].ID)
	assert.Equal(t, 2, during[0].Total)
	assert.Equal(t, 1, during[0].Completed)
	assert.Empty(t, eng.Active())

	rec, err := eng.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, rec.Status)
	require.Len(t, rec.Nodes, 2)

	list, err := eng.History(context.Background(), wf.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	averages, err := store.Averages(context.Background())
	require.NoError(t, err)
	assert.Contains(t, averages, "echo")
	assert.Contains(t, averages, "observe")

	_, err = eng.Lookup(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func definition(nodes int) *domain.Definition {
	def := &domain.Definition{ID: "wf-submit", Name: "submit"}
	for i := 1; i <= nodes; i++ {
		def.Nodes = append(def.Nodes, domain.NodeDefinition{ID: fmt.Sprintf("n%d", i), Type: "echo"})
		if i > 1 {
			def.Connections = append(def.Connections, domain.ConnectionDefinition{
				Source: fmt.Sprintf("n%d", i-1),
				Target: fmt.Sprintf("n%d", i),
			})
		}
	}
	return def
}

func newSubmitEngine(t *testing.T) (*Engine, *governor.Governor) {
	t.Helper()
	ctx := context.Background()
	gov, err := governor.New(ctx, governor.Options{Logger: quietLogger()})
	require.NoError(t, err)
	eng := newTestEngine(t, testRegistry(t, nil), func(d *Deps) {
		d.Governor = gov
		d.Optimizer = optimizer.New(optimizer.Options{Logger: quietLogger()})
	})
	return eng, gov
}

func TestSubmitRunsPlansAndReleasesAdmission(t *testing.T) {
	ctx := context.Background()
	eng, gov := newSubmitEngine(t)

	exec, err := eng.Submit(ctx, definition(2), "tenant-1", "free", map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, exec.Status)
	assert.Equal(t, "free", exec.Tier)
	assert.Equal(t, "tenant-1", exec.TenantID)
	require.NotNil(t, exec.Plan)
	assert.Equal(t, []string{"n1", "n2"}, exec.Plan.Order)
	assert.Empty(t, exec.Plan.CacheHits)

	usage, err := gov.Usage(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Active)
	assert.Equal(t, 1, usage.Monthly)

	again, err := eng.Submit(ctx, definition(2), "tenant-1", "free", nil)
	require.NoError(t, err)
	require.NotNil(t, again.Plan)
	assert.Equal(t, []string{"n1", "n2"}, again.Plan.CacheHits)

	rec, err := eng.Lookup(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", rec.TenantID)
}

func TestSubmitRejectsInvalidWorkflows(t *testing.T) {
	ctx := context.Background()
	eng, _ := newSubmitEngine(t)
	rec := record(eng.Bus())

	_, err := eng.Submit(ctx, definition(6), "tenant-1", "free", nil)
	require.ErrorIs(t, err, domain.ErrValidationFailed)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Errors)
	assert.Empty(t, rec.types())
}

func TestSubmitEnforcesMonthlyQuota(t *testing.T) {
	ctx := context.Background()
	eng, _ := newSubmitEngine(t)

	for i := 0; i < 3; i++ {
		_, err := eng.Submit(ctx, definition(1), "tenant-q", "free", nil)
		require.NoError(t, err)
	}
	_, err := eng.Submit(ctx, definition(1), "tenant-q", "free", nil)
	require.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestSubmitUnknownTierFallsBackWithWarning(t *testing.T) {
	eng, _ := newSubmitEngine(t)
	exec, err := eng.Submit(context.Background(), definition(1), "tenant-2", "platinum", nil)
	require.NoError(t, err)
	assert.Equal(t, "free", exec.Tier)
	require.NotEmpty(t, exec.Warnings)
	assert.Contains(t, exec.Warnings[0], "unknown tier")
}

func TestSubmitWithoutGovernor(t *testing.T) {
	eng := newTestEngine(t, testRegistry(t, nil), nil)
	_, err := eng.Submit(context.Background(), definition(1), "t", "free", nil)
	require.ErrorIs(t, err, ErrNoGovernor)
}
