package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/telemetry"
)

// invokeNode runs one node invocation: load the node's latest committed
// memory, persist the start row, run the pipeline, persist the end row
// and commit the memory delta. Node failures come back in
// NodeActivityOutput.Error; an activity error means the invocation
// state could not be persisted.
func (x *Executor) invokeNode(ctx context.Context, in *api.NodeActivityInput) (*api.NodeActivityOutput, error) {
	if in == nil {
		return nil, errors.New("invoke input is required")
	}

	memory := in.Node.Memory
	baseCfg := in.Node
	nodeVersionID := ""
	nv, err := x.store.LatestNodeVersion(ctx, in.VersionID, in.Node.ID)
	switch {
	case err == nil:
		memory = nv.Config.Memory
		baseCfg = nv.Config
		nodeVersionID = nv.ID
	case store.IsNotFound(err):
		// First run of this node: memory comes from the graph seed.
	default:
		return nil, fmt.Errorf("load node version: %w", err)
	}

	ni, err := x.store.StartNodeInvocation(ctx, store.NodeInvocation{
		InvocationID:  in.InvocationID,
		NodeID:        in.Node.ID,
		NodeVersionID: nodeVersionID,
		Status:        store.NodeRunning,
		Model:         in.Node.ModelName,
		AttemptNo:     in.AttemptNo,
		Files:         in.Files,
	})
	if err != nil {
		return nil, fmt.Errorf("start node invocation: %w", err)
	}
	x.publish(ctx, hooks.NewNodeStartedEvent(in.InvocationID, in.Node.ID, ni.NodeInvocationID, in.Node.ModelName, ni.AttemptNo))

	res := x.runner.Run(ctx, pipeline.Request{
		InvocationID: in.InvocationID,
		VersionID:    in.VersionID,
		Node:         in.Node,
		Memory:       memory,
		MainGoal:     in.MainGoal,
		Payload:      in.Payload,
		Files:        in.Files,
	})

	// Terminal rows must land even when the workflow was cancelled while
	// the pipeline ran.
	persistCtx := context.WithoutCancel(ctx)

	status := store.NodeCompleted
	if res.Error != "" {
		status = store.NodeFailed
	}
	steps := 0
	extras := make(map[string]any, 3)
	if res.Trace != nil {
		steps = res.Trace.Len()
		if raw, serr := res.Trace.Serialize(); serr == nil {
			extras[store.ExtraTrace] = json.RawMessage(raw)
		} else {
			x.logger.Warn(persistCtx, "trace serialization failed",
				"node_invocation_id", ni.NodeInvocationID, "error", serr)
		}
	}
	if len(res.DebugPrompts) > 0 {
		extras[store.ExtraDebugPrompts] = res.DebugPrompts
	}
	if res.UpdatedMemory != nil {
		extras[store.ExtraUpdatedMemory] = res.UpdatedMemory
	}
	if _, err := x.store.EndNodeInvocation(persistCtx, store.NodeInvocationEnd{
		NodeInvocationID: ni.NodeInvocationID,
		Status:           status,
		Output:           res.FinalOutput,
		Summary:          res.Summary,
		USDCost:          res.Cost,
		Files:            in.Files,
		Error:            res.Error,
		Extras:           extras,
	}); err != nil {
		return nil, fmt.Errorf("end node invocation: %w", err)
	}

	if status == store.NodeCompleted && res.UpdatedMemory != nil && !maps.Equal(res.UpdatedMemory, memory) {
		cfg := baseCfg
		cfg.Memory = res.UpdatedMemory
		bumped, verr := x.store.SaveNodeVersion(persistCtx, in.VersionID, cfg)
		if verr != nil {
			// The node result stands; the delta is still recoverable from
			// the invocation extras.
			x.logger.Warn(persistCtx, "memory commit failed",
				"node_id", in.Node.ID, "version_id", in.VersionID, "error", verr)
		} else {
			x.publish(persistCtx, hooks.NewMemoryCommittedEvent(
				in.InvocationID, in.Node.ID, bumped.ID, bumped.Version, len(res.UpdatedMemory)))
		}
	}

	x.publish(persistCtx, hooks.NewNodeCompletedEvent(
		in.InvocationID, in.Node.ID, ni.NodeInvocationID, status,
		string(res.Strategy), res.Summary, res.Cost, steps, res.Error))

	return &api.NodeActivityOutput{
		NodeInvocationID: ni.NodeInvocationID,
		Output:           res.FinalOutput,
		Summary:          res.Summary,
		Strategy:         string(res.Strategy),
		NextIDs:          res.NextIDs,
		Replies:          res.Replies,
		Cost:             res.Cost,
		Steps:            steps,
		Error:            res.Error,
	}, nil
}

// recordMessages persists a batch of routed messages. A DuplicateKey on
// a seq slot means the batch is a replay of an already persisted
// emission; the slot is skipped so the activity stays idempotent.
func (x *Executor) recordMessages(ctx context.Context, in *api.RecordInput) (*api.RecordOutput, error) {
	if in == nil {
		return nil, errors.New("record input is required")
	}
	out := &api.RecordOutput{MsgIDs: make([]string, 0, len(in.Messages))}
	for _, om := range in.Messages {
		saved, err := x.store.SaveMessage(ctx, om.Message(in.InvocationID))
		if err != nil {
			if store.IsDuplicateKey(err) {
				out.MsgIDs = append(out.MsgIDs, "")
				continue
			}
			return nil, fmt.Errorf("save message seq %d: %w", om.Seq, err)
		}
		out.MsgIDs = append(out.MsgIDs, saved.MsgID)
		x.publish(ctx, hooks.NewMessageRoutedEvent(in.InvocationID, om.FromNodeID, om.ToNodeID, om.Seq, om.Role))
	}
	return out, nil
}

// finalizeInvocation persists the terminal invocation state. A Conflict
// against an already terminal row means the activity is a replay and
// succeeds without rewriting anything.
func (x *Executor) finalizeInvocation(ctx context.Context, in *api.FinalizeInput) error {
	if in == nil {
		return errors.New("finalize input is required")
	}
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	patch := store.InvocationPatch{
		InvocationID:   in.InvocationID,
		Status:         &in.Status,
		EndTime:        &now,
		USDCost:        &in.Cost,
		WorkflowOutput: &in.Output,
	}
	if in.Reason != "" {
		patch.Extras = map[string]any{store.ExtraError: in.Reason}
	}
	inv, err := x.store.UpdateWorkflowInvocation(persistCtx, patch)
	if err != nil {
		if store.IsConflict(err) {
			prev, getErr := x.store.GetWorkflowInvocation(persistCtx, in.InvocationID)
			if getErr == nil && prev.Status.Terminal() {
				return nil
			}
		}
		return fmt.Errorf("finalize invocation: %w", err)
	}

	x.metrics.IncCounter(telemetry.MetricInvocations, 1, "status", string(in.Status))
	x.metrics.RecordTimer(telemetry.MetricInvocationTime, now.Sub(inv.StartTime), "status", string(in.Status))
	x.metrics.IncCounter(telemetry.MetricSpendUSD, in.Cost)
	x.publish(persistCtx, hooks.NewInvocationCompletedEvent(
		in.InvocationID, in.Status, in.Output, in.Cost, in.Nodes, in.Reason))
	return nil
}

// publishHook delivers a workflow-emitted event to the bus. Bus errors
// surface as activity errors; the workflow ignores them so a broken
// subscriber can never wedge an invocation.
func (x *Executor) publishHook(ctx context.Context, in *api.HookActivityInput) error {
	if in == nil || in.Event == nil {
		return errors.New("hook event is required")
	}
	if x.hooks == nil {
		return nil
	}
	return x.hooks.Publish(ctx, in.Event)
}
