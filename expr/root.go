// Package expr holds the expression tree built by the loom design language.
// The dsl package populates it while the eval engine runs the design; Build
// then lowers each workflow expression to the graph DSL blob stored by
// CreateWorkflowVersion.
package expr

import (
	"goa.design/goa/v3/eval"
)

// RootExpr is the top-level root for all workflow declarations of a design
// run.
type RootExpr struct {
	// Workflows lists the workflows declared with dsl.Workflow in
	// declaration order.
	Workflows []*WorkflowExpr
}

// Root holds the workflow declarations of the current design run.
var Root *RootExpr

func init() {
	Root = &RootExpr{}
	if err := eval.Register(Root); err != nil {
		panic(err)
	}
}

// EvalName is part of eval.Expression.
func (r *RootExpr) EvalName() string {
	return "workflow design"
}

// DependsOn returns the roots that must evaluate first. The workflow language
// is standalone.
func (r *RootExpr) DependsOn() []eval.Root {
	return nil
}

// Packages returns the import paths considered for DSL error attribution.
func (r *RootExpr) Packages() []string {
	return []string{"goa.design/loom/dsl"}
}

// WalkSets exposes workflows first, then their nodes, so every node body runs
// after all workflow bodies executed and cross-node references resolve.
func (r *RootExpr) WalkSets(walk eval.SetWalker) {
	walk(eval.ToExpressionSet(r.Workflows))

	var nodes []*NodeExpr
	for _, wf := range r.Workflows {
		nodes = append(nodes, wf.Nodes...)
	}
	if len(nodes) > 0 {
		walk(eval.ToExpressionSet(nodes))
	}
}

// Workflow returns the workflow with the given name, if declared.
func (r *RootExpr) Workflow(name string) *WorkflowExpr {
	for _, wf := range r.Workflows {
		if wf.Name == name {
			return wf
		}
	}
	return nil
}

// Validate enforces design-wide invariants: workflow names must be unique so
// they can serve as workflow identifiers in the store.
func (r *RootExpr) Validate() error {
	verr := new(eval.ValidationErrors)
	seen := make(map[string]struct{}, len(r.Workflows))
	for _, wf := range r.Workflows {
		if _, dup := seen[wf.Name]; dup {
			verr.Add(wf, "workflow %q declared twice", wf.Name)
			continue
		}
		seen[wf.Name] = struct{}{}
	}
	return verr
}
