package store

import (
	"fmt"
	"math"
)

// ApplyPatch merges a partial update into an invocation, enforcing the status
// monotonicity invariant: once terminal, the status never changes again.
// Backends load the current row, apply the patch and persist the result under
// an optimistic condition on the status they observed.
func ApplyPatch(inv Invocation, patch InvocationPatch) (Invocation, error) {
	const op = "update_workflow_invocation"
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return Invocation{}, fmt.Errorf("unknown invocation status %q", *patch.Status)
		}
		if inv.Status.Terminal() && *patch.Status != inv.Status {
			return Invocation{}, Errf(KindConflict, op,
				"invocation %q is %s, cannot transition to %s", inv.InvocationID, inv.Status, *patch.Status)
		}
		inv.Status = *patch.Status
	}
	if patch.EndTime != nil {
		at := patch.EndTime.UTC()
		inv.EndTime = &at
	}
	if patch.USDCost != nil {
		inv.USDCost = *patch.USDCost
	}
	if patch.WorkflowOutput != nil {
		inv.WorkflowOutput = *patch.WorkflowOutput
	}
	if patch.Fitness != nil {
		f := *patch.Fitness
		inv.Fitness = &f
	}
	if patch.Accuracy != nil {
		pct := int(math.Round(*patch.Accuracy))
		inv.Accuracy = &pct
	}
	if patch.FitnessScore != nil {
		score := *patch.FitnessScore
		inv.FitnessScore = &score
	}
	if patch.RunID != nil {
		inv.RunID = *patch.RunID
	}
	if patch.GenerationID != nil {
		inv.GenerationID = *patch.GenerationID
	}
	if len(patch.Extras) > 0 {
		if inv.Extras == nil {
			inv.Extras = make(map[string]any, len(patch.Extras))
		}
		for k, val := range patch.Extras {
			inv.Extras[k] = val
		}
	}
	return inv, nil
}
