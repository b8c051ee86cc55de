// Package storage persists finished executions and the per-capability timing
// history the optimizer estimates from. Memory and SQLite backends are provided.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fmonfasani/iopeer.com/pkg/domain"
)

// ErrNotFound is returned when a requested execution does not exist in the store.
var ErrNotFound = errors.New("execution not found")

// DefaultHistoryWindow is the number of recent samples averaged per capability.
const DefaultHistoryWindow = 50

// NodeRecord is the archived state of one node.
type NodeRecord struct {
	ID          string            `json:"id"`
	Capability  string            `json:"capability"`
	Status      domain.NodeStatus `json:"status"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// ExecutionRecord is the archived form of one run.
type ExecutionRecord struct {
	ID           string                `json:"id"`
	WorkflowID   string                `json:"workflow_id"`
	WorkflowName string                `json:"workflow_name"`
	TenantID     string                `json:"tenant_id,omitempty"`
	Tier         string                `json:"tier,omitempty"`
	Status       domain.WorkflowStatus `json:"status"`
	Input        map[string]any        `json:"input,omitempty"`
	Nodes        []NodeRecord          `json:"nodes"`
	Error        string                `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at"`
}

// Duration reports how long the run took.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Node returns the record for id.
func (r *ExecutionRecord) Node(id string) (NodeRecord, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeRecord{}, false
}

// Archive stores finished executions.
type Archive interface {
	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	// ListExecutions returns the most recent executions first. An empty
	// workflowID lists every workflow.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*ExecutionRecord, error)
}

// History records how long capability invocations take.
type History interface {
	RecordTiming(ctx context.Context, capability string, d time.Duration) error
	// Averages returns the mean of the recent samples for every capability
	// that has any.
	Averages(ctx context.Context) (map[string]time.Duration, error)
}
