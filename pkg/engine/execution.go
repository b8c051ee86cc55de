package engine

import (
	"sync"
	"time"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/optimizer"
	"github.com/fmonfasani/iopeer.com/pkg/storage"
)

// Context keys written by the engine.
const (
	initialDataKey = "initial_data"
	nodeKeyPrefix  = "node_"
	fromKeyPrefix  = "from_"
)

// Execution is one run of a workflow. The workflow is a private clone, so
// node state belongs to this run alone.
type Execution struct {
	ID       string
	Workflow *domain.Workflow
	TenantID string
	Tier     string
	Input    map[string]any

	// Context holds the initial data, an initial_data binding and one
	// node_<id> entry per completed node.
	Context map[string]any

	Status      domain.WorkflowStatus
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time

	// Plan is set for runs submitted through Submit.
	Plan     *optimizer.Plan
	Warnings []string

	mu sync.RWMutex
}

func newExecution(id string, wf *domain.Workflow, initial map[string]any) *Execution {
	input := domain.CloneMap(initial)
	execCtx := domain.CloneMap(initial)
	execCtx[initialDataKey] = domain.CloneMap(initial)
	return &Execution{
		ID:       id,
		Workflow: wf,
		Input:    input,
		Context:  execCtx,
		Status:   domain.WorkflowStatusPending,
	}
}

func nodeKey(id string) string { return nodeKeyPrefix + id }

// Result returns the recorded result of node id.
func (e *Execution) Result(id string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.Context[nodeKey(id)]
	return v, ok
}

// Results maps every completed node to its result.
func (e *Execution) Results() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any)
	for id, node := range e.Workflow.Nodes {
		if node.Status != domain.NodeStatusCompleted {
			continue
		}
		if v, ok := e.Context[nodeKey(id)]; ok {
			out[id] = v
		}
	}
	return out
}

// Node returns a copy of node id's state.
func (e *Execution) Node(id string) (domain.Node, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.Workflow.Nodes[id]
	if !ok {
		return domain.Node{}, false
	}
	return *n, true
}

// Duration reports how long the run took. Zero while it is still running.
func (e *Execution) Duration() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

func (e *Execution) contextSnapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		out[k] = v
	}
	return out
}

func (e *Execution) update(fn func()) {
	e.mu.Lock()
	fn()
	e.mu.Unlock()
}

// Record converts the execution into its archived form.
func (e *Execution) Record() *storage.ExecutionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec := &storage.ExecutionRecord{
		ID:           e.ID,
		WorkflowID:   e.Workflow.ID,
		WorkflowName: e.Workflow.Name,
		TenantID:     e.TenantID,
		Tier:         e.Tier,
		Status:       e.Status,
		Input:        domain.CloneMap(e.Input),
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	for _, id := range e.Workflow.NodeIDs() {
		n := e.Workflow.Nodes[id]
		rec.Nodes = append(rec.Nodes, storage.NodeRecord{
			ID:          n.ID,
			Capability:  n.Capability,
			Status:      n.Status,
			Result:      n.Result,
			Error:       n.Error,
			StartedAt:   n.StartedAt,
			CompletedAt: n.CompletedAt,
		})
	}
	return rec
}

// Summary is a lightweight view of an execution in progress.
type Summary struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	TenantID   string                `json:"tenant_id,omitempty"`
	Status     domain.WorkflowStatus `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	Completed  int                   `json:"completed_nodes"`
	Total      int                   `json:"total_nodes"`
}

func (e *Execution) summary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Summary{
		ID:         e.ID,
		WorkflowID: e.Workflow.ID,
		TenantID:   e.TenantID,
		Status:     e.Status,
		StartedAt:  e.StartedAt,
		Total:      len(e.Workflow.Nodes),
	}
	for _, n := range e.Workflow.Nodes {
		if n.Status.Terminal() {
			s.Completed++
		}
	}
	return s
}
