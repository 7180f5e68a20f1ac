// Package workflow defines the graph model that drives loom executions. A
// workflow is stored as a JSON blob (the graph DSL) listing agent nodes and
// the hand-off edges between them. This package owns parsing, schema
// validation and the structural rules every graph must satisfy before the
// executor will touch it.
package workflow

import (
	"fmt"
)

// EndNodeID is the reserved hand-off target that terminates an execution
// path. No node may use it as its own identifier.
const EndNodeID = "end"

type (
	// HandOffType selects how a node's hand-off targets are interpreted once
	// the node finishes its pipeline.
	HandOffType string

	// NodeConfig describes a single agent node in a workflow graph. The zero
	// value is not valid; nodes are produced by ParseGraph or the dsl package.
	NodeConfig struct {
		// ID uniquely identifies the node within its workflow. "end" is
		// reserved and rejected by Validate.
		ID string `json:"node_id"`

		// Description is a short human-readable summary of the node's role.
		// It is surfaced in hand-off prompts so sibling agents can pick a
		// successor by capability.
		Description string `json:"description,omitempty"`

		// SystemPrompt is the instruction block injected ahead of every model
		// call made on behalf of this node.
		SystemPrompt string `json:"system_prompt,omitempty"`

		// ModelName selects the provider model used for this node's calls.
		// Empty means the runtime default.
		ModelName string `json:"model_name,omitempty"`

		// MCPTools lists tool names resolved through the MCP caller.
		MCPTools []string `json:"mcp_tools,omitempty"`

		// CodeTools lists tool names resolved from the in-process registry.
		// On a name collision with MCPTools the code tool wins.
		CodeTools []string `json:"code_tools,omitempty"`

		// HandOffs lists successor node IDs, or EndNodeID to finish the path.
		// Empty is equivalent to a single hand-off to EndNodeID.
		HandOffs []string `json:"hand_offs,omitempty"`

		// HandOffType controls successor selection. Empty is normalized to
		// HandOffSequential by ParseGraph.
		HandOffType HandOffType `json:"hand_off_type,omitempty"`

		// Memory is the node's key-value memory. The DSL value seeds version 1
		// when a workflow version is created; later versions are produced by
		// the node's own learning steps.
		Memory map[string]string `json:"memory,omitempty"`

		// MaxSteps overrides the global reasoning step cap for this node.
		// Nil means use the runtime configuration. Zero is meaningful: the
		// node terminates immediately without any model call.
		MaxSteps *int `json:"max_steps,omitempty"`

		// WaitFor names the nodes whose results must all arrive before this
		// node runs. Used on join nodes downstream of a parallel fan-out.
		WaitFor []string `json:"wait_for,omitempty"`

		// UseDirectSDK routes this node through the provider SDK pass-through
		// strategy instead of the step loop.
		UseDirectSDK bool `json:"use_direct_sdk,omitempty"`
	}

	// Graph is a parsed and validated workflow definition. Node order is
	// preserved from the DSL blob.
	Graph struct {
		// SchemaVersion records the DSL schema the blob was written against.
		SchemaVersion int `json:"schema_version"`

		// Entry is the node executed first. Defaults to the first node when
		// the blob omits it.
		Entry string `json:"entry,omitempty"`

		// Nodes holds every agent node in the graph.
		Nodes []NodeConfig `json:"nodes"`

		byID map[string]int
	}
)

const (
	// HandOffSequential forwards the node's result to each target in order.
	HandOffSequential HandOffType = "sequential"
	// HandOffParallel delegates to every target concurrently and joins their
	// replies before continuing.
	HandOffParallel HandOffType = "parallel"
	// HandOffConditional asks the model to pick exactly one target.
	HandOffConditional HandOffType = "conditional"
)

// Valid reports whether t is one of the known hand-off types.
func (t HandOffType) Valid() bool {
	switch t {
	case HandOffSequential, HandOffParallel, HandOffConditional:
		return true
	}
	return false
}

// Clone returns a deep copy of the node configuration. Stores and pipelines
// clone before mutating so shared graph state stays immutable.
func (n *NodeConfig) Clone() NodeConfig {
	out := *n
	out.MCPTools = append([]string(nil), n.MCPTools...)
	out.CodeTools = append([]string(nil), n.CodeTools...)
	out.HandOffs = append([]string(nil), n.HandOffs...)
	out.WaitFor = append([]string(nil), n.WaitFor...)
	if n.Memory != nil {
		out.Memory = make(map[string]string, len(n.Memory))
		for k, v := range n.Memory {
			out.Memory[k] = v
		}
	}
	if n.MaxSteps != nil {
		steps := *n.MaxSteps
		out.MaxSteps = &steps
	}
	return out
}

// Node returns the node with the given ID, if present.
func (g *Graph) Node(id string) (*NodeConfig, bool) {
	if g.byID == nil {
		g.index()
	}
	i, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return &g.Nodes[i], true
}

// EntryNode returns the node execution starts at.
func (g *Graph) EntryNode() (*NodeConfig, bool) {
	return g.Node(g.Entry)
}

func (g *Graph) index() {
	g.byID = make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		g.byID[g.Nodes[i].ID] = i
	}
}

// Validate checks the structural rules a graph must satisfy: unique node IDs,
// the reserved "end" identifier, a resolvable entry node and hand-off and
// wait-for references that only name known nodes. It does not normalize;
// ParseGraph applies defaults before calling it.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	seen := make(map[string]struct{}, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d: empty node_id", i)
		}
		if n.ID == EndNodeID {
			return fmt.Errorf("node %q: %q is reserved", n.ID, EndNodeID)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node_id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	if g.Entry == "" {
		return fmt.Errorf("graph has no entry node")
	}
	if _, ok := seen[g.Entry]; !ok {
		return fmt.Errorf("entry node %q not defined", g.Entry)
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.HandOffType != "" && !n.HandOffType.Valid() {
			return fmt.Errorf("node %q: unknown hand_off_type %q", n.ID, n.HandOffType)
		}
		for _, target := range n.HandOffs {
			if target == EndNodeID {
				continue
			}
			if _, ok := seen[target]; !ok {
				return fmt.Errorf("node %q: hand-off target %q not defined", n.ID, target)
			}
		}
		for _, sender := range n.WaitFor {
			if _, ok := seen[sender]; !ok {
				return fmt.Errorf("node %q: wait_for sender %q not defined", n.ID, sender)
			}
			if sender == n.ID {
				return fmt.Errorf("node %q: wait_for references itself", n.ID)
			}
		}
		if n.MaxSteps != nil && *n.MaxSteps < 0 {
			return fmt.Errorf("node %q: negative max_steps", n.ID)
		}
	}
	g.index()
	return nil
}
