package domain

import (
	"fmt"
	"strings"
)

// Definition is the plain-record form of a workflow as it arrives from files
// or callers. The governor validates and sanitizes definitions; the engine
// runs the Workflow built from one.
type Definition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Nodes       []NodeDefinition       `json:"nodes" yaml:"nodes"`
	Connections []ConnectionDefinition `json:"connections" yaml:"connections"`
	Metadata    map[string]any         `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition declares one node.
type NodeDefinition struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ConnectionDefinition declares one edge.
type ConnectionDefinition struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Build converts the definition into a fresh Workflow.
func (d *Definition) Build() (*Workflow, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil definition", ErrInvalidWorkflow)
	}
	wf := NewWorkflow(d.ID, d.Name)
	if d.Metadata != nil {
		wf.Metadata = CloneMap(d.Metadata)
	}

	for _, nd := range d.Nodes {
		if strings.TrimSpace(nd.Type) == "" {
			return nil, fmt.Errorf("%w: node %q has no type", ErrInvalidWorkflow, nd.ID)
		}
		if err := wf.AddNode(NewNode(nd.ID, nd.Type, CloneMap(nd.Config))); err != nil {
			return nil, err
		}
	}

	for _, cd := range d.Connections {
		connType, err := ParseConnectionType(cd.Type)
		if err != nil {
			return nil, err
		}
		if err := wf.AddConnection(Connection{
			Source:    cd.Source,
			Target:    cd.Target,
			Type:      connType,
			Condition: cd.Condition,
		}); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

// Clone deep-copies the definition.
func (d *Definition) Clone() *Definition {
	cp := &Definition{
		ID:          d.ID,
		Name:        d.Name,
		Nodes:       make([]NodeDefinition, len(d.Nodes)),
		Connections: append([]ConnectionDefinition(nil), d.Connections...),
	}
	if d.Metadata != nil {
		cp.Metadata = CloneMap(d.Metadata)
	}
	for i, n := range d.Nodes {
		cp.Nodes[i] = NodeDefinition{ID: n.ID, Type: n.Type, Config: CloneMap(n.Config)}
	}
	return cp
}

// DefinitionOf converts a workflow back into its plain-record form.
func DefinitionOf(wf *Workflow) *Definition {
	def := &Definition{ID: wf.ID, Name: wf.Name, Metadata: CloneMap(wf.Metadata)}
	for _, id := range wf.NodeIDs() {
		node := wf.Nodes[id]
		def.Nodes = append(def.Nodes, NodeDefinition{ID: node.ID, Type: node.Capability, Config: CloneMap(node.Config)})
	}
	for _, conn := range wf.Connections {
		def.Connections = append(def.Connections, ConnectionDefinition{
			Source:    conn.Source,
			Target:    conn.Target,
			Type:      string(conn.Type),
			Condition: conn.Condition,
		})
	}
	return def
}

// ParseConnectionType accepts the lower or upper case names. Empty means success.
func ParseConnectionType(raw string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ConnectionSuccess):
		return ConnectionSuccess, nil
	case string(ConnectionError):
		return ConnectionError, nil
	case string(ConnectionConditional):
		return ConnectionConditional, nil
	default:
		return "", fmt.Errorf("%w: unknown connection type %q", ErrInvalidWorkflow, raw)
	}
}
