package dsl

import (
	"goa.design/goa/v3/eval"

	"goa.design/loom/expr"
	"goa.design/loom/runtime/workflow"
)

// Node declares an agent node. The ID must be unique within the workflow and
// cannot be the reserved End identifier. Node must appear in a Workflow
// expression:
//
//	Node("triage", func() {
//		SystemPrompt("Classify the ticket and route it.")
//		HandOffs("billing", "tech")
//		HandOffType(Conditional)
//	})
func Node(id string, fn func()) *expr.NodeExpr {
	wf, ok := eval.Current().(*expr.WorkflowExpr)
	if !ok {
		eval.IncompatibleDSL()
		return nil
	}
	if id == "" {
		eval.ReportError("node ID cannot be empty")
		return nil
	}
	if id == workflow.EndNodeID {
		eval.ReportError("%q is reserved for the hand-off terminator", workflow.EndNodeID)
		return nil
	}
	n := &expr.NodeExpr{Workflow: wf, ID: id}
	n.DSLFunc = fn
	wf.Nodes = append(wf.Nodes, n)
	return n
}

// SystemPrompt sets the instruction block injected ahead of every model call
// made on behalf of the node. SystemPrompt must appear in a Node expression.
func SystemPrompt(prompt string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.SystemPrompt = prompt
}

// Model selects the provider model used for the node's calls. When omitted
// the runtime default applies. Model must appear in a Node expression.
func Model(name string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.ModelName = name
}

// CodeTools grants the node tools resolved from the in-process registry. On a
// name collision with MCPTools the code tool wins. CodeTools must appear in a
// Node expression.
func CodeTools(names ...string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.CodeTools = append(n.CodeTools, names...)
}

// MCPTools grants the node tools resolved through the MCP caller. MCPTools
// must appear in a Node expression.
func MCPTools(names ...string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.MCPTools = append(n.MCPTools, names...)
}

// HandOffs lists the node's successors. Targets name sibling nodes or End.
// Omitting HandOffs is equivalent to HandOffs(End). HandOffs must appear in a
// Node expression.
func HandOffs(targets ...string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.HandOffs = append(n.HandOffs, targets...)
}

// HandOffType controls how the node's hand-off targets are interpreted:
// Sequential, Parallel or Conditional. When omitted Sequential applies.
// HandOffType must appear in a Node expression.
func HandOffType(t workflow.HandOffType) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	if !t.Valid() {
		eval.ReportError("unknown hand-off type %q", t)
		return
	}
	n.HandOffType = t
}

// Memory seeds an entry of the node's key-value memory. The seeded values
// become version 1 of the node memory when a workflow version is created.
// Memory must appear in a Node expression.
func Memory(key, value string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	if key == "" {
		eval.ReportError("memory key cannot be empty")
		return
	}
	if n.Memory == nil {
		n.Memory = make(map[string]string)
	}
	n.Memory[key] = value
}

// MaxSteps caps the node's reasoning steps, overriding the runtime
// configuration. Zero is meaningful: the node terminates immediately without
// a model call. MaxSteps must appear in a Node expression.
func MaxSteps(steps int) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	if steps < 0 {
		eval.ReportError("max steps cannot be negative")
		return
	}
	n.MaxSteps = &steps
}

// WaitFor names the nodes whose results must all arrive before this node
// runs. Used on join nodes downstream of a parallel fan-out. WaitFor must
// appear in a Node expression.
func WaitFor(nodeIDs ...string) {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.WaitFor = append(n.WaitFor, nodeIDs...)
}

// DirectSDK routes the node through the provider SDK pass-through strategy
// instead of the step loop. DirectSDK must appear in a Node expression.
func DirectSDK() {
	n, ok := eval.Current().(*expr.NodeExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	n.UseDirectSDK = true
}
