package dsl

import (
	"goa.design/goa/v3/eval"

	"goa.design/loom/expr"
	"goa.design/loom/runtime/workflow"
)

// End is the hand-off target that terminates an execution path.
const End = workflow.EndNodeID

// Hand-off types accepted by HandOffType.
const (
	// Sequential forwards the node's result to each target in order.
	Sequential = workflow.HandOffSequential
	// Parallel delegates to every target concurrently and joins their
	// replies before continuing.
	Parallel = workflow.HandOffParallel
	// Conditional asks the model to pick exactly one target.
	Conditional = workflow.HandOffConditional
)

// Workflow declares a workflow made of agent nodes. The name becomes the
// workflow identifier in the store and must be unique within the design.
// Workflow must appear at the top level of the design:
//
//	var _ = Workflow("support", func() {
//		Description("Triage and answer customer tickets")
//		Node("triage", func() { ... })
//	})
func Workflow(name string, fn func()) *expr.WorkflowExpr {
	if _, ok := eval.Current().(eval.TopExpr); !ok {
		eval.IncompatibleDSL()
		return nil
	}
	if name == "" {
		eval.ReportError("workflow name cannot be empty")
		return nil
	}
	wf := &expr.WorkflowExpr{Name: name}
	wf.DSLFunc = fn
	expr.Root.Workflows = append(expr.Root.Workflows, wf)
	return wf
}

// Description sets a human-readable summary. Description must appear in a
// Workflow or a Node expression.
func Description(d string) {
	switch e := eval.Current().(type) {
	case *expr.WorkflowExpr:
		e.Description = d
	case *expr.NodeExpr:
		e.Description = d
	default:
		eval.IncompatibleDSL()
	}
}

// Entry names the node execution starts at. When omitted the first declared
// node is the entry. Entry must appear in a Workflow expression.
func Entry(nodeID string) {
	wf, ok := eval.Current().(*expr.WorkflowExpr)
	if !ok {
		eval.IncompatibleDSL()
		return
	}
	wf.Entry = nodeID
}
