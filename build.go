// Package loom turns workflow designs written with the dsl package into the
// graph blobs the runtime stores and executes.
package loom

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/goa/v3/eval"

	"goa.design/loom/expr"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

// Design is a workflow lowered from the design language, ready to be
// persisted as a workflow version.
type Design struct {
	// Name is the workflow identifier.
	Name string
	// Description is the workflow summary declared in the design.
	Description string
	// Graph is the graph DSL blob consumed by CreateWorkflowVersion.
	Graph json.RawMessage
}

// Build evaluates the design language and lowers every declared workflow to
// its graph blob. Call it after all design packages have been imported; a
// validation failure in any workflow fails the whole build.
func Build() ([]Design, error) {
	if err := eval.RunDSL(); err != nil {
		return nil, err
	}
	designs := make([]Design, 0, len(expr.Root.Workflows))
	for _, wf := range expr.Root.Workflows {
		blob, err := workflow.MarshalGraph(wf.Graph())
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wf.Name, err)
		}
		designs = append(designs, Design{Name: wf.Name, Description: wf.Description, Graph: blob})
	}
	return designs, nil
}

// Register persists a built design as a new workflow version. The workflow
// identity is upserted first so registering into an empty store works.
func Register(ctx context.Context, st store.Store, d Design, commitMessage string) (store.Version, error) {
	if err := st.EnsureWorkflow(ctx, store.Workflow{WorkflowID: d.Name, Description: d.Description}); err != nil {
		return store.Version{}, err
	}
	return st.CreateWorkflowVersion(ctx, store.Version{
		VersionID:     store.NewVersionID(),
		WorkflowID:    d.Name,
		DSL:           d.Graph,
		Operation:     store.OpInit,
		CommitMessage: commitMessage,
	})
}
