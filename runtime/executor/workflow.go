package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/engine"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

// runWorkflow is the workflow function behind WorkflowRun. It must stay
// deterministic: every store and model interaction goes through an
// activity, sequence numbers come from replayed counter state and time
// from the engine clock.
func (x *Executor) runWorkflow(wf engine.WorkflowContext, input *api.RunInput) (*api.RunOutput, error) {
	if input == nil {
		return nil, errors.New("run input is required")
	}
	if input.InvocationID == "" {
		return nil, errors.New("invocation id is required")
	}
	r := &run{
		exec:     x,
		wf:       wf,
		ctx:      wf.Context(),
		input:    input,
		budget:   normalizeBudget(input.Budget),
		cancelRx: wf.CancelRequests(),
		waiting:  make(map[string]map[string]json.RawMessage),
	}
	return r.execute()
}

func normalizeBudget(b api.Budget) api.Budget {
	if b.MaxNodes <= 0 {
		b.MaxNodes = DefaultMaxNodes
	}
	if b.CancelGrace <= 0 {
		b.CancelGrace = DefaultCancelGrace
	}
	return b
}

type (
	// run is the mutable state of one workflow invocation inside the
	// deterministic loop. It lives for a single runWorkflow call.
	run struct {
		exec   *Executor
		wf     engine.WorkflowContext
		ctx    context.Context
		input  *api.RunInput
		budget api.Budget

		cancelRx  engine.Receiver[api.CancelRequest]
		wallTimer engine.Future[time.Time]

		seq   int     // last assigned message sequence number
		nodes int     // node invocations started
		cost  float64 // accumulated USD spend across activities

		queue   []api.OutgoingMessage                 // recorded deliveries awaiting dispatch
		waiting map[string]map[string]json.RawMessage // wait_for buffers: node id -> sender -> payload

		cancelled  bool
		reason     string // interrupt reason, cancelled or timeout
		failReason string // first routing failure reason

		endOutputs []endDelivery
	}

	// endDelivery is one payload collected at the end sentinel.
	endDelivery struct {
		from    string
		content string
	}

	// invokeSpec describes one node to run in a batch.
	invokeSpec struct {
		node    workflow.NodeConfig
		payload json.RawMessage
	}

	// branchResult pairs a batch entry with its settled activity result.
	branchResult struct {
		node workflow.NodeConfig
		out  *api.NodeActivityOutput
		err  error
	}
)

func (r *run) execute() (*api.RunOutput, error) {
	in := r.input

	// Hook delivery is best effort; a broken bus never fails the run.
	_ = r.wf.PublishHook(r.ctx, engine.HookCall{
		Name:  ActivityPublishHook,
		Input: &api.HookActivityInput{Event: hooks.NewInvocationStartedEvent(in.InvocationID, in.VersionID, in.Input)},
	})

	if r.budget.WallClock > 0 {
		t, err := r.wf.NewTimer(r.ctx, r.budget.WallClock)
		if err != nil {
			return nil, fmt.Errorf("arm wall-clock timer: %w", err)
		}
		r.wallTimer = t
	}

	seed := api.OutgoingMessage{
		FromNodeID: store.StartNodeID,
		ToNodeID:   in.Graph.Entry,
		Seq:        r.nextSeq(),
		Role:       store.RoleDelegation,
		Payload:    in.Input,
	}
	if err := r.recordBatch([]api.OutgoingMessage{seed}); err != nil {
		return nil, err
	}
	r.queue = append(r.queue, seed)

	if err := r.loop(); err != nil {
		return nil, err
	}

	status := store.StatusCompleted
	reason := ""
	switch {
	case r.failReason != "":
		status = store.StatusFailed
		reason = r.failReason
	case r.cancelled:
		status = store.StatusFailed
		reason = r.reason
	case len(r.endOutputs) == 0:
		status = store.StatusFailed
		reason = ReasonNoEndReached
	}

	out := &api.RunOutput{
		InvocationID: in.InvocationID,
		Status:       status,
		Output:       r.finalOutput(),
		Cost:         r.cost,
		Nodes:        r.nodes,
		Reason:       reason,
	}
	if err := r.wf.FinalizeInvocation(r.ctx, engine.FinalizeCall{
		Name: ActivityFinalizeInvocation,
		Input: &api.FinalizeInput{
			InvocationID: in.InvocationID,
			Status:       status,
			Output:       out.Output,
			Cost:         r.cost,
			Nodes:        r.nodes,
			Reason:       reason,
		},
	}); err != nil {
		return nil, fmt.Errorf("finalize invocation: %w", err)
	}
	return out, nil
}

// loop drains the delivery queue. Per iteration: observe interrupts,
// collect end deliveries, enforce the spending and node budgets, gate
// wait_for recipients, then dispatch. The loop stops at the first
// failure; collected state stays on r for finalization.
func (r *run) loop() error {
	for len(r.queue) > 0 {
		r.drainInterrupts()
		if r.cancelled {
			return nil
		}

		msg := r.queue[0]
		r.queue = r.queue[1:]

		if msg.ToNodeID == workflow.EndNodeID {
			r.endOutputs = append(r.endOutputs, endDelivery{from: msg.FromNodeID, content: payloadContent(msg.Payload)})
			continue
		}
		if r.budget.SpendingCapUSD > 0 && r.cost >= r.budget.SpendingCapUSD {
			r.fail(pipeline.ReasonSpendingExceeded)
			return nil
		}
		if r.nodes >= r.budget.MaxNodes {
			r.fail(ReasonStepBudgetExhausted)
			return nil
		}
		node, ok := r.input.Graph.Node(msg.ToNodeID)
		if !ok {
			r.fail(ReasonUnknownNode)
			return nil
		}
		payload, ready := r.gate(node, msg)
		if !ready {
			continue
		}
		if err := r.dispatch(node, payload); err != nil {
			return err
		}
		if r.cancelled || r.failReason != "" {
			return nil
		}
	}
	return nil
}

// dispatch runs the recipient node and routes its result.
func (r *run) dispatch(node *workflow.NodeConfig, payload json.RawMessage) error {
	results, err := r.invokeBatch([]invokeSpec{{node: *node, payload: payload}})
	if err != nil {
		return err
	}
	if results == nil || r.cancelled {
		return nil
	}
	return r.route(results[0])
}

// route processes one settled node result: propagate node failure,
// record the outgoing messages and either fork a parallel fan-out or
// enqueue.
func (r *run) route(br branchResult) error {
	if br.err != nil {
		r.fail(pipeline.ReasonInternalError)
		return nil
	}
	out := br.out
	if out.Error != "" {
		r.fail(out.Error)
		return nil
	}
	if len(out.NextIDs) == 0 {
		return nil
	}
	if len(out.Replies) != len(out.NextIDs) {
		r.fail(pipeline.ReasonInternalError)
		return nil
	}

	msgs := make([]api.OutgoingMessage, 0, len(out.NextIDs))
	for i, target := range out.NextIDs {
		reply := out.Replies[i]
		msgs = append(msgs, api.OutgoingMessage{
			FromNodeID:         br.node.ID,
			ToNodeID:           target,
			Seq:                r.nextSeq(),
			Role:               reply.Role,
			Payload:            textPayload(reply.Content),
			OriginInvocationID: out.NodeInvocationID,
		})
	}
	if err := r.recordBatch(msgs); err != nil {
		return err
	}
	if br.node.HandOffType == workflow.HandOffParallel && len(msgs) > 1 {
		return r.fork(msgs)
	}
	r.queue = append(r.queue, msgs...)
	return nil
}

// fork runs a parallel fan-out: every recorded branch delivery whose
// target is ready runs concurrently, then the joined results are
// grouped and enqueued. Gated targets keep buffering through the queue.
func (r *run) fork(msgs []api.OutgoingMessage) error {
	specs := make([]invokeSpec, 0, len(msgs))
	for _, m := range msgs {
		node, ok := r.input.Graph.Node(m.ToNodeID)
		if !ok {
			r.fail(ReasonUnknownNode)
			return nil
		}
		payload, ready := r.gate(node, m)
		if !ready {
			continue
		}
		specs = append(specs, invokeSpec{node: *node, payload: payload})
	}
	if len(specs) == 0 {
		return nil
	}
	results, err := r.invokeBatch(specs)
	if err != nil {
		return err
	}
	if results == nil || r.cancelled {
		return nil
	}
	return r.join(results)
}

// join groups branch replies by target and records one delivery per
// target, aggregating when several branches feed the same node. End
// deliveries stay individual so every branch result reaches the final
// output.
func (r *run) join(results []branchResult) error {
	failReason := ""
	for _, br := range results {
		if br.err != nil {
			if failReason == "" {
				failReason = pipeline.ReasonInternalError
			}
			continue
		}
		if br.out.Error != "" && failReason == "" {
			failReason = br.out.Error
		}
	}
	if failReason != "" {
		r.fail(failReason)
		return nil
	}

	type contribution struct {
		sender  string
		origin  string
		role    store.MessageRole
		content string
	}
	var order []string
	contribs := make(map[string][]contribution)
	for _, br := range results {
		out := br.out
		if len(out.Replies) != len(out.NextIDs) {
			r.fail(pipeline.ReasonInternalError)
			return nil
		}
		for i, target := range out.NextIDs {
			if _, seen := contribs[target]; !seen {
				order = append(order, target)
			}
			contribs[target] = append(contribs[target], contribution{
				sender:  br.node.ID,
				origin:  out.NodeInvocationID,
				role:    out.Replies[i].Role,
				content: out.Replies[i].Content,
			})
		}
	}

	msgs := make([]api.OutgoingMessage, 0, len(order))
	for _, target := range order {
		list := contribs[target]
		gated := false
		if node, ok := r.input.Graph.Node(target); ok {
			gated = len(node.WaitFor) > 0
		}
		// Gated targets collect per-sender deliveries themselves, so they
		// get individual messages even when several branches feed them.
		if target == workflow.EndNodeID || len(list) == 1 || gated {
			for _, c := range list {
				msgs = append(msgs, api.OutgoingMessage{
					FromNodeID:         c.sender,
					ToNodeID:           target,
					Seq:                r.nextSeq(),
					Role:               c.role,
					Payload:            textPayload(c.content),
					OriginInvocationID: c.origin,
				})
			}
			continue
		}
		flat := make(map[string]string, len(list))
		for _, c := range list {
			flat[c.sender] = c.content
		}
		payload, _ := json.Marshal(flat)
		msgs = append(msgs, api.OutgoingMessage{
			FromNodeID:         list[0].sender,
			ToNodeID:           target,
			Seq:                r.nextSeq(),
			Role:               store.RoleAggregated,
			Payload:            payload,
			OriginInvocationID: list[0].origin,
		})
	}
	if err := r.recordBatch(msgs); err != nil {
		return err
	}
	r.queue = append(r.queue, msgs...)
	return nil
}

// invokeBatch runs one invoke activity per spec in a shared cancellable
// scope and joins them. Nil results with a nil error mean the batch was
// refused by a budget; the failure reason is already set.
func (r *run) invokeBatch(specs []invokeSpec) ([]branchResult, error) {
	if r.budget.SpendingCapUSD > 0 && r.cost >= r.budget.SpendingCapUSD {
		r.fail(pipeline.ReasonSpendingExceeded)
		return nil, nil
	}
	if r.nodes+len(specs) > r.budget.MaxNodes {
		r.fail(ReasonStepBudgetExhausted)
		return nil, nil
	}

	scope, cancelScope := r.wf.WithCancel()
	defer cancelScope()
	sctx := scope.Context()

	futs := make([]engine.Future[*api.NodeActivityOutput], len(specs))
	for i, spec := range specs {
		r.nodes++
		fut, err := scope.InvokeNodeAsync(sctx, engine.InvokeCall{
			Name: ActivityInvokeNode,
			Input: &api.NodeActivityInput{
				InvocationID: r.input.InvocationID,
				VersionID:    r.input.VersionID,
				Node:         spec.node,
				Payload:      spec.payload,
				MainGoal:     r.input.MainGoal,
				Files:        r.input.Files,
				AttemptNo:    1,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("schedule node %q: %w", spec.node.ID, err)
		}
		futs[i] = fut
	}
	if err := r.joinFutures(futs, cancelScope); err != nil {
		return nil, err
	}

	results := make([]branchResult, len(specs))
	for i, fut := range futs {
		out, err := fut.Get(r.ctx)
		results[i] = branchResult{node: specs[i].node, out: out, err: err}
		// Settled results keep their spend even when the run is being
		// cancelled and the result itself is discarded.
		if err == nil && out != nil {
			r.cost += out.Cost
		}
	}
	return results, nil
}

// joinFutures blocks until every future settles. Cancel signals and the
// wall clock are observed while waiting: after an interrupt the
// in-flight activities get the grace window to finish, then the scope
// is revoked and the remaining futures settle with cancellation errors.
func (r *run) joinFutures(futs []engine.Future[*api.NodeActivityOutput], cancelScope func()) error {
	var grace engine.Future[time.Time]
	scopeCancelled := false
	for {
		r.drainInterrupts()
		if r.cancelled && grace == nil && !scopeCancelled {
			g, err := r.wf.NewTimer(r.ctx, r.budget.CancelGrace)
			if err != nil {
				return fmt.Errorf("arm grace timer: %w", err)
			}
			grace = g
		}
		if grace != nil && grace.IsReady() && !scopeCancelled {
			cancelScope()
			scopeCancelled = true
		}
		if futuresReady(futs) {
			return nil
		}
		err := r.wf.Await(r.ctx, func() bool {
			if futuresReady(futs) || r.cancelRx.Len() > 0 {
				return true
			}
			if r.wallTimer != nil && r.wallTimer.IsReady() && !r.cancelled {
				return true
			}
			if grace != nil && grace.IsReady() && !scopeCancelled {
				return true
			}
			return false
		})
		if err != nil {
			return err
		}
	}
}

// gate buffers deliveries for wait_for recipients. It returns the
// payload to run the node with and whether the node is ready. The
// buffer keeps the last delivery per sender; once every named sender
// has delivered the node runs on the aggregated object and the buffer
// resets.
func (r *run) gate(node *workflow.NodeConfig, msg api.OutgoingMessage) (json.RawMessage, bool) {
	if len(node.WaitFor) == 0 {
		return msg.Payload, true
	}
	buf := r.waiting[node.ID]
	if buf == nil {
		buf = make(map[string]json.RawMessage, len(node.WaitFor))
		r.waiting[node.ID] = buf
	}
	buf[msg.FromNodeID] = msg.Payload
	for _, sender := range node.WaitFor {
		if _, ok := buf[sender]; !ok {
			return nil, false
		}
	}
	delete(r.waiting, node.ID)
	flat := make(map[string]string, len(buf))
	for sender, raw := range buf {
		flat[sender] = payloadContent(raw)
	}
	payload, _ := json.Marshal(flat)
	return payload, true
}

// drainInterrupts consumes pending cancel signals and observes the wall
// clock. The first interrupt fixes the failure reason; later ones are
// swallowed.
func (r *run) drainInterrupts() {
	for {
		if _, ok := r.cancelRx.ReceiveAsync(); !ok {
			break
		}
		if !r.cancelled {
			r.cancelled = true
			r.reason = pipeline.ReasonCancelled
		}
	}
	if r.wallTimer != nil && r.wallTimer.IsReady() && !r.cancelled {
		r.cancelled = true
		r.reason = ReasonTimeout
	}
}

func (r *run) recordBatch(msgs []api.OutgoingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if _, err := r.wf.RecordMessages(r.ctx, engine.RecordCall{
		Name:  ActivityRecordMessages,
		Input: &api.RecordInput{InvocationID: r.input.InvocationID, Messages: msgs},
	}); err != nil {
		return fmt.Errorf("record messages: %w", err)
	}
	return nil
}

// nextSeq assigns the next message sequence number. Seq is pure
// workflow state so replays assign identical values.
func (r *run) nextSeq() int {
	r.seq++
	return r.seq
}

// fail records the first failure reason; later failures keep the first.
func (r *run) fail(reason string) {
	if r.failReason == "" {
		r.failReason = reason
	}
}

// finalOutput folds collected end deliveries into the workflow output.
// A single delivery passes through; several aggregate into a JSON
// object keyed by sender.
func (r *run) finalOutput() string {
	switch len(r.endOutputs) {
	case 0:
		return ""
	case 1:
		return r.endOutputs[0].content
	}
	flat := make(map[string]string, len(r.endOutputs))
	for _, d := range r.endOutputs {
		flat[d.from] = d.content
	}
	b, _ := json.Marshal(flat)
	return string(b)
}

func futuresReady[T any](futs []engine.Future[T]) bool {
	for _, f := range futs {
		if !f.IsReady() {
			return false
		}
	}
	return true
}

// textPayload wraps reply content as a JSON string payload.
func textPayload(content string) json.RawMessage {
	b, _ := json.Marshal(content)
	return b
}

// payloadContent renders a payload as text: JSON strings unquote,
// anything else keeps its raw form.
func payloadContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
