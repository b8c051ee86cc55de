package domain

import (
	"fmt"
	"sort"
	"time"
)

// NodeStatus tracks a node through a single run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether no further transition is allowed within a run.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// Satisfied reports whether a node in this status unblocks its successors.
func (s NodeStatus) Satisfied() bool {
	return s == NodeStatusCompleted || s == NodeStatusSkipped
}

// WorkflowStatus is the aggregate status derived from node statuses.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// ConnectionType classifies an edge. Only success edges order execution.
type ConnectionType string

const (
	ConnectionSuccess     ConnectionType = "success"
	ConnectionError       ConnectionType = "error"
	ConnectionConditional ConnectionType = "conditional"
)

// Reserved node configuration keys.
const (
	ConfigCondition = "condition"
	ConfigAction    = "action"
	ConfigTimeout   = "timeout_seconds"
	ConfigRetries   = "retries"
)

// DefaultAction is sent to providers when a node does not configure one.
const DefaultAction = "process"

// Node is one capability invocation within a Workflow.
type Node struct {
	ID           string
	Capability   string
	Config       map[string]any
	Status       NodeStatus
	Predecessors []string
	Result       any
	Error        string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// NewNode builds a pending node.
func NewNode(id, capability string, config map[string]any) *Node {
	if config == nil {
		config = map[string]any{}
	}
	return &Node{
		ID:         id,
		Capability: capability,
		Config:     config,
		Status:     NodeStatusPending,
	}
}

// Condition returns the node-level condition expression, if any.
func (n *Node) Condition() string {
	if n == nil || n.Config == nil {
		return ""
	}
	cond, _ := n.Config[ConfigCondition].(string)
	return cond
}

// Action returns the configured action or DefaultAction.
func (n *Node) Action() string {
	if n != nil && n.Config != nil {
		if action, ok := n.Config[ConfigAction].(string); ok && action != "" {
			return action
		}
	}
	return DefaultAction
}

// Duration reports how long the node ran. Zero until the node has finished.
func (n *Node) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.CompletedAt.IsZero() {
		return 0
	}
	return n.CompletedAt.Sub(n.StartedAt)
}

func (n *Node) clone() *Node {
	cp := *n
	cp.Config = CloneMap(n.Config)
	cp.Predecessors = append([]string(nil), n.Predecessors...)
	return &cp
}

// Connection is a declared dependency between two nodes.
type Connection struct {
	Source    string
	Target    string
	Type      ConnectionType
	Condition string
}

// Workflow is the in-memory graph of nodes and connections.
type Workflow struct {
	ID          string
	Name        string
	Nodes       map[string]*Node
	Connections []Connection
	Status      WorkflowStatus
	CreatedAt   time.Time
	Metadata    map[string]any
}

// NewWorkflow returns an empty pending workflow.
func NewWorkflow(id, name string) *Workflow {
	return &Workflow{
		ID:        id,
		Name:      name,
		Nodes:     make(map[string]*Node),
		Status:    WorkflowStatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
}

// AddNode registers a node. The node is reset to pending.
func (w *Workflow) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalidWorkflow)
	}
	if _, exists := w.Nodes[node.ID]; exists {
		return fmt.Errorf("%w: duplicate node %q", ErrInvalidWorkflow, node.ID)
	}
	if node.Config == nil {
		node.Config = map[string]any{}
	}
	node.Status = NodeStatusPending
	w.Nodes[node.ID] = node
	return nil
}

// AddConnection records an edge and appends its source to the target's
// predecessor list.
func (w *Workflow) AddConnection(conn Connection) error {
	if _, ok := w.Nodes[conn.Source]; !ok {
		return fmt.Errorf("%w: connection source %q not found", ErrInvalidWorkflow, conn.Source)
	}
	target, ok := w.Nodes[conn.Target]
	if !ok {
		return fmt.Errorf("%w: connection target %q not found", ErrInvalidWorkflow, conn.Target)
	}
	if conn.Type == "" {
		conn.Type = ConnectionSuccess
	}
	w.Connections = append(w.Connections, conn)

	for _, pred := range target.Predecessors {
		if pred == conn.Source {
			return nil
		}
	}
	target.Predecessors = append(target.Predecessors, conn.Source)
	return nil
}

// Validate checks that every connection references known nodes.
func (w *Workflow) Validate() error {
	for _, conn := range w.Connections {
		if _, ok := w.Nodes[conn.Source]; !ok {
			return fmt.Errorf("%w: connection source %q not found", ErrInvalidWorkflow, conn.Source)
		}
		if _, ok := w.Nodes[conn.Target]; !ok {
			return fmt.Errorf("%w: connection target %q not found", ErrInvalidWorkflow, conn.Target)
		}
	}
	return nil
}

// NodeIDs returns node ids in lexical order.
func (w *Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w.Nodes))
	for id := range w.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SuccessPredecessors returns the sources of success edges into id.
func (w *Workflow) SuccessPredecessors(id string) []string {
	var preds []string
	seen := make(map[string]struct{})
	for _, conn := range w.Connections {
		if conn.Target != id || conn.Type != ConnectionSuccess {
			continue
		}
		if _, dup := seen[conn.Source]; dup {
			continue
		}
		seen[conn.Source] = struct{}{}
		preds = append(preds, conn.Source)
	}
	return preds
}

// SuccessEdges returns adjacency lists for success edges, keyed by source.
func (w *Workflow) SuccessEdges() map[string][]string {
	adj := make(map[string][]string, len(w.Nodes))
	for _, conn := range w.Connections {
		if conn.Type != ConnectionSuccess {
			continue
		}
		adj[conn.Source] = append(adj[conn.Source], conn.Target)
	}
	return adj
}

// AggregateStatus derives the workflow status from its nodes: failed
// dominates, any non-terminal node keeps it running, otherwise completed.
func (w *Workflow) AggregateStatus() WorkflowStatus {
	if len(w.Nodes) == 0 {
		return WorkflowStatusCompleted
	}
	running := false
	for _, node := range w.Nodes {
		switch {
		case node.Status == NodeStatusFailed:
			return WorkflowStatusFailed
		case !node.Status.Terminal():
			running = true
		}
	}
	if running {
		return WorkflowStatusRunning
	}
	return WorkflowStatusCompleted
}

// Clone deep-copies the graph and resets every node to pending so the copy
// can be owned by a single run.
func (w *Workflow) Clone() *Workflow {
	cp := &Workflow{
		ID:          w.ID,
		Name:        w.Name,
		Nodes:       make(map[string]*Node, len(w.Nodes)),
		Connections: append([]Connection(nil), w.Connections...),
		Status:      WorkflowStatusPending,
		CreatedAt:   w.CreatedAt,
		Metadata:    CloneMap(w.Metadata),
	}
	for id, node := range w.Nodes {
		n := node.clone()
		n.Status = NodeStatusPending
		n.Result = nil
		n.Error = ""
		n.StartedAt = time.Time{}
		n.CompletedAt = time.Time{}
		cp.Nodes[id] = n
	}
	return cp
}

// CloneMap deep-copies nested maps and slices. Other values are shared.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
