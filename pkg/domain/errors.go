package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrInvalidWorkflow    = errors.New("invalid workflow")
	ErrCycle              = errors.New("workflow contains a cycle")
	ErrUnknownCapability  = errors.New("unknown capability type")
	ErrValidationFailed   = errors.New("workflow validation failed")
	ErrExecutionTimeout   = errors.New("workflow execution exceeded its deadline")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrQuotaExceeded      = errors.New("tenant quota exceeded")
	ErrPermissionDenied   = errors.New("capability not permitted for tier")
	ErrSuspiciousWorkflow = errors.New("suspicious content detected")
)

// GraphError reports a structural problem found before any node runs.
type GraphError struct {
	Reason  string
	NodeIDs []string
	Err     error
}

func (e *GraphError) Error() string {
	if len(e.NodeIDs) == 0 {
		return fmt.Sprintf("graph error: %s", e.Reason)
	}
	return fmt.Sprintf("graph error: %s (nodes: %s)", e.Reason, strings.Join(e.NodeIDs, ", "))
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a workflow with an itemized error list.
type ValidationError struct {
	WorkflowID string
	Errors     []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrValidationFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NodeExecutionError wraps the error a provider returned for a node.
type NodeExecutionError struct {
	NodeID     string
	Capability string
	Err        error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (%s) failed: %v", e.NodeID, e.Capability, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}
