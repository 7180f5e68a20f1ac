package expr

import (
	"fmt"

	"goa.design/goa/v3/eval"

	"goa.design/loom/runtime/workflow"
)

type (
	// WorkflowExpr describes a workflow declared with dsl.Workflow.
	WorkflowExpr struct {
		eval.DSLFunc

		// Name uniquely identifies the workflow. It becomes the workflow ID
		// in the store.
		Name string
		// Description is a human-readable summary of the workflow's purpose.
		Description string
		// Entry names the node execution starts at. Empty means the first
		// declared node; Finalize resolves the default.
		Entry string
		// Nodes lists the agent nodes in declaration order.
		Nodes []*NodeExpr
	}

	// NodeExpr describes a single agent node of a workflow. Its fields mirror
	// workflow.NodeConfig; Config performs the lowering.
	NodeExpr struct {
		eval.DSLFunc

		// Workflow is the workflow that owns this node.
		Workflow *WorkflowExpr
		// ID uniquely identifies the node within its workflow.
		ID string
		// Description is surfaced in hand-off prompts so sibling agents can
		// pick a successor by capability.
		Description string
		// SystemPrompt is injected ahead of every model call made on behalf
		// of this node.
		SystemPrompt string
		// ModelName selects the provider model. Empty means the runtime
		// default.
		ModelName string
		// MCPTools lists tool names resolved through the MCP caller.
		MCPTools []string
		// CodeTools lists tool names resolved from the in-process registry.
		CodeTools []string
		// HandOffs lists successor node IDs, or workflow.EndNodeID.
		HandOffs []string
		// HandOffType controls successor selection.
		HandOffType workflow.HandOffType
		// Memory seeds version 1 of the node's key-value memory.
		Memory map[string]string
		// MaxSteps overrides the global reasoning step cap. Nil means use
		// the runtime configuration.
		MaxSteps *int
		// WaitFor names the nodes whose results must all arrive before this
		// node runs.
		WaitFor []string
		// UseDirectSDK routes the node through the provider SDK pass-through
		// strategy.
		UseDirectSDK bool
	}
)

// EvalName is part of eval.Expression allowing descriptive error messages.
func (w *WorkflowExpr) EvalName() string {
	return fmt.Sprintf("workflow %q", w.Name)
}

// Node returns the node with the given ID, if declared.
func (w *WorkflowExpr) Node(id string) *NodeExpr {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// entryID returns the effective entry node ID, defaulting to the first
// declared node. Validate uses it so the default applies before Finalize runs.
func (w *WorkflowExpr) entryID() string {
	if w.Entry != "" {
		return w.Entry
	}
	if len(w.Nodes) > 0 {
		return w.Nodes[0].ID
	}
	return ""
}

// Validate enforces the workflow-level structural rules: at least one node,
// unique node IDs and a resolvable entry node.
func (w *WorkflowExpr) Validate() error {
	verr := new(eval.ValidationErrors)
	if len(w.Nodes) == 0 {
		verr.Add(w, "workflow has no nodes")
		return verr
	}
	seen := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if _, dup := seen[n.ID]; dup {
			verr.Add(n, "duplicate node %q", n.ID)
			continue
		}
		seen[n.ID] = struct{}{}
	}
	if entry := w.entryID(); entry != "" {
		if _, ok := seen[entry]; !ok {
			verr.Add(w, "entry node %q not defined", entry)
		}
	}
	return verr
}

// Finalize resolves the default entry node.
func (w *WorkflowExpr) Finalize() {
	w.Entry = w.entryID()
}

// Graph lowers the workflow into its graph DSL form. The result passes
// workflow.Graph.Validate whenever the expression validated cleanly.
func (w *WorkflowExpr) Graph() *workflow.Graph {
	g := &workflow.Graph{
		SchemaVersion: workflow.CurrentSchemaVersion,
		Entry:         w.entryID(),
		Nodes:         make([]workflow.NodeConfig, 0, len(w.Nodes)),
	}
	for _, n := range w.Nodes {
		g.Nodes = append(g.Nodes, n.Config())
	}
	return g
}

// EvalName is part of eval.Expression allowing descriptive error messages.
func (n *NodeExpr) EvalName() string {
	return fmt.Sprintf("node %q (workflow %q)", n.ID, n.Workflow.Name)
}

// Validate enforces the node-level structural rules: hand-off targets and
// wait-for senders must name declared nodes, and step caps cannot be negative.
func (n *NodeExpr) Validate() error {
	verr := new(eval.ValidationErrors)
	if n.HandOffType != "" && !n.HandOffType.Valid() {
		verr.Add(n, "unknown hand-off type %q", n.HandOffType)
	}
	for _, target := range n.HandOffs {
		if target == workflow.EndNodeID {
			continue
		}
		if n.Workflow.Node(target) == nil {
			verr.Add(n, "hand-off target %q not defined", target)
		}
	}
	for _, sender := range n.WaitFor {
		if sender == n.ID {
			verr.Add(n, "wait-for references itself")
			continue
		}
		if n.Workflow.Node(sender) == nil {
			verr.Add(n, "wait-for sender %q not defined", sender)
		}
	}
	if n.MaxSteps != nil && *n.MaxSteps < 0 {
		verr.Add(n, "negative max steps")
	}
	return verr
}

// Config lowers the node into its graph DSL form. Slices and the memory map
// are copied so later expression mutation cannot alias stored graphs.
func (n *NodeExpr) Config() workflow.NodeConfig {
	cfg := workflow.NodeConfig{
		ID:           n.ID,
		Description:  n.Description,
		SystemPrompt: n.SystemPrompt,
		ModelName:    n.ModelName,
		MCPTools:     append([]string(nil), n.MCPTools...),
		CodeTools:    append([]string(nil), n.CodeTools...),
		HandOffs:     append([]string(nil), n.HandOffs...),
		HandOffType:  n.HandOffType,
		WaitFor:      append([]string(nil), n.WaitFor...),
		UseDirectSDK: n.UseDirectSDK,
	}
	if len(n.Memory) > 0 {
		cfg.Memory = make(map[string]string, len(n.Memory))
		for k, v := range n.Memory {
			cfg.Memory[k] = v
		}
	}
	if n.MaxSteps != nil {
		steps := *n.MaxSteps
		cfg.MaxSteps = &steps
	}
	return cfg
}
