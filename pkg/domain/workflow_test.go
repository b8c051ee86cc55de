package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddConnectionAppendsPredecessor(t *testing.T) {
	wf := NewWorkflow("wf", "chain")
	require.NoError(t, wf.AddNode(NewNode("a", "echo", nil)))
	require.NoError(t, wf.AddNode(NewNode("b", "echo", nil)))

	require.NoError(t, wf.AddConnection(Connection{Source: "a", Target: "b"}))
	require.NoError(t, wf.AddConnection(Connection{Source: "a", Target: "b", Type: ConnectionError}))

	assert.Equal(t, []string{"a"}, wf.Nodes["b"].Predecessors)
	assert.Len(t, wf.Connections, 2)
	assert.Equal(t, ConnectionSuccess, wf.Connections[0].Type)
	assert.Equal(t, []string{"a"}, wf.SuccessPredecessors("b"))
}

func TestAddConnectionRejectsUnknownNodes(t *testing.T) {
	wf := NewWorkflow("wf", "broken")
	require.NoError(t, wf.AddNode(NewNode("a", "echo", nil)))

	err := wf.AddConnection(Connection{Source: "a", Target: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidWorkflow))
	assert.Empty(t, wf.Connections)
}

func TestAddNodeRejectsDuplicates(t *testing.T) {
	wf := NewWorkflow("wf", "dup")
	require.NoError(t, wf.AddNode(NewNode("a", "echo", nil)))
	assert.ErrorIs(t, wf.AddNode(NewNode("a", "echo", nil)), ErrInvalidWorkflow)
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []NodeStatus
		want     WorkflowStatus
	}{
		{"all completed", []NodeStatus{NodeStatusCompleted, NodeStatusCompleted}, WorkflowStatusCompleted},
		{"completed and skipped", []NodeStatus{NodeStatusCompleted, NodeStatusSkipped}, WorkflowStatusCompleted},
		{"pending remains", []NodeStatus{NodeStatusCompleted, NodeStatusPending}, WorkflowStatusRunning},
		{"failure dominates", []NodeStatus{NodeStatusPending, NodeStatusFailed}, WorkflowStatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wf := NewWorkflow("wf", tc.name)
			for i, status := range tc.statuses {
				node := NewNode(string(rune('a'+i)), "echo", nil)
				require.NoError(t, wf.AddNode(node))
				node.Status = status
			}
			assert.Equal(t, tc.want, wf.AggregateStatus())
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	wf := NewWorkflow("wf", "clone")
	require.NoError(t, wf.AddNode(NewNode("a", "echo", map[string]any{"nested": map[string]any{"k": "v"}})))
	wf.Nodes["a"].Status = NodeStatusCompleted

	cp := wf.Clone()
	cp.Nodes["a"].Config["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, NodeStatusPending, cp.Nodes["a"].Status)
	assert.Equal(t, "v", wf.Nodes["a"].Config["nested"].(map[string]any)["k"])
}

func TestDefinitionBuild(t *testing.T) {
	def := &Definition{
		ID:   "wf-1",
		Name: "pipeline",
		Nodes: []NodeDefinition{
			{ID: "n1", Type: "A", Config: map[string]any{"action": "analyze"}},
			{ID: "n2", Type: "B"},
		},
		Connections: []ConnectionDefinition{{Source: "n1", Target: "n2", Type: "SUCCESS"}},
	}

	wf, err := def.Build()
	require.NoError(t, err)
	assert.Equal(t, "analyze", wf.Nodes["n1"].Action())
	assert.Equal(t, DefaultAction, wf.Nodes["n2"].Action())
	assert.Equal(t, []string{"n1"}, wf.Nodes["n2"].Predecessors)

	back := DefinitionOf(wf)
	assert.Equal(t, "success", back.Connections[0].Type)
	assert.Len(t, back.Nodes, 2)
}

func TestDefinitionBuildRejectsUnknownConnectionType(t *testing.T) {
	def := &Definition{
		Nodes:       []NodeDefinition{{ID: "a", Type: "x"}, {ID: "b", Type: "y"}},
		Connections: []ConnectionDefinition{{Source: "a", Target: "b", Type: "sometimes"}},
	}
	_, err := def.Build()
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier(" Business ")
	assert.True(t, ok)
	assert.Equal(t, TierBusiness, tier)
	assert.True(t, tier.AtLeast(TierPro))
	assert.False(t, tier.AtLeast(TierEnterprise))

	tier, ok = ParseTier("platinum")
	assert.False(t, ok)
	assert.Equal(t, TierFree, tier)
}

func TestErrorTaxonomy(t *testing.T) {
	graphErr := &GraphError{Reason: "cycle", NodeIDs: []string{"a", "b"}, Err: ErrCycle}
	assert.ErrorIs(t, graphErr, ErrCycle)
	assert.Contains(t, graphErr.Error(), "a, b")

	valErr := &ValidationError{Errors: []string{"too many nodes"}}
	assert.ErrorIs(t, valErr, ErrValidationFailed)

	cause := errors.New("boom")
	nodeErr := &NodeExecutionError{NodeID: "n1", Capability: "A", Err: cause}
	assert.ErrorIs(t, nodeErr, cause)
	var target *NodeExecutionError
	assert.True(t, errors.As(error(nodeErr), &target))
}
