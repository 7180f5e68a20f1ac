package executor_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/engine"
	engmem "goa.design/loom/runtime/engine/inmem"
	"goa.design/loom/runtime/executor"
	"goa.design/loom/runtime/handoff"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/store"
	memstore "goa.design/loom/runtime/store/inmem"
	"goa.design/loom/runtime/trace"
	"goa.design/loom/runtime/workflow"
)

// scriptedRunner returns canned pipeline results keyed by node id and
// records every request it serves.
type scriptedRunner struct {
	mu    sync.Mutex
	nodes map[string]func(ctx context.Context, req pipeline.Request) *pipeline.Result
	calls []pipeline.Request
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{nodes: make(map[string]func(context.Context, pipeline.Request) *pipeline.Result)}
}

func (r *scriptedRunner) handle(nodeID string, fn func(context.Context, pipeline.Request) *pipeline.Result) {
	r.nodes[nodeID] = fn
}

func (r *scriptedRunner) Run(ctx context.Context, req pipeline.Request) *pipeline.Result {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	fn := r.nodes[req.Node.ID]
	r.mu.Unlock()
	if fn == nil {
		return &pipeline.Result{Error: pipeline.ReasonInternalError}
	}
	return fn(ctx, req)
}

func (r *scriptedRunner) requests() []pipeline.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Request(nil), r.calls...)
}

func (r *scriptedRunner) requestsFor(nodeID string) []pipeline.Request {
	var out []pipeline.Request
	for _, req := range r.requests() {
		if req.Node.ID == nodeID {
			out = append(out, req)
		}
	}
	return out
}

// reply builds a successful single-target result.
func reply(target, content string, cost float64) *pipeline.Result {
	role := store.RoleSequential
	if target == workflow.EndNodeID {
		role = store.RoleResult
	}
	return &pipeline.Result{
		Strategy:    pipeline.StrategySingleCall,
		FinalOutput: content,
		Summary:     "done",
		NextIDs:     []string{target},
		Replies:     []handoff.Reply{{TargetID: target, Role: role, Content: content}},
		Cost:        cost,
	}
}

// eventLog records bus event types in delivery order.
type eventLog struct {
	mu    sync.Mutex
	types []hooks.EventType
}

func (l *eventLog) HandleEvent(_ context.Context, evt hooks.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, evt.Type())
	return nil
}

func (l *eventLog) seen() []hooks.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]hooks.EventType(nil), l.types...)
}

type env struct {
	t      *testing.T
	eng    engine.Engine
	store  *memstore.Store
	runner *scriptedRunner
	events *eventLog
	graph  workflow.Graph
	verID  string
	invID  string
}

func newEnv(t *testing.T, dsl string, runner *scriptedRunner) *env {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.EnsureWorkflow(ctx, store.Workflow{WorkflowID: "wf-exec", Description: "executor test workflow"}))
	ver, err := st.CreateWorkflowVersion(ctx, store.Version{
		VersionID:  "ver-exec-1",
		WorkflowID: "wf-exec",
		DSL:        json.RawMessage(dsl),
	})
	require.NoError(t, err)
	g, err := workflow.ParseGraph(ver.DSL)
	require.NoError(t, err)
	inv, err := st.CreateWorkflowInvocation(ctx, store.Invocation{InvocationID: "inv-exec-1", VersionID: ver.VersionID})
	require.NoError(t, err)

	bus := hooks.NewBus()
	log := &eventLog{}
	_, err = bus.Register(log)
	require.NoError(t, err)

	x, err := executor.New(executor.Options{Store: st, Runner: runner, Hooks: bus})
	require.NoError(t, err)
	eng := engmem.New()
	require.NoError(t, x.Register(ctx, eng))

	return &env{
		t:      t,
		eng:    eng,
		store:  st,
		runner: runner,
		events: log,
		graph:  *g,
		verID:  ver.VersionID,
		invID:  inv.InvocationID,
	}
}

func (e *env) newInvocation(id string) string {
	e.t.Helper()
	inv, err := e.store.CreateWorkflowInvocation(context.Background(), store.Invocation{InvocationID: id, VersionID: e.verID})
	require.NoError(e.t, err)
	return inv.InvocationID
}

func (e *env) start(invID string, budget api.Budget, input string) engine.WorkflowHandle {
	e.t.Helper()
	h, err := e.eng.StartWorkflow(context.Background(), engine.WorkflowStartRequest{
		ID:       invID,
		Workflow: executor.WorkflowRun,
		Input: &api.RunInput{
			InvocationID: invID,
			VersionID:    e.verID,
			Graph:        e.graph,
			Input:        json.RawMessage(input),
			MainGoal:     "test goal",
			Budget:       budget,
		},
	})
	require.NoError(e.t, err)
	return h
}

func (e *env) wait(h engine.WorkflowHandle) *api.RunOutput {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(e.t, err)
	return out
}

func (e *env) view(invID string) store.TraceView {
	e.t.Helper()
	view, err := e.store.GetTrace(context.Background(), invID)
	require.NoError(e.t, err)
	return view
}

func TestSingleNodeRunCompletes(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("echo", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		res := reply(workflow.EndNodeID, "hello back", 0.004)
		tr := trace.New()
		_ = tr.Append(trace.TextStep{Content: "hello back"})
		_ = tr.Append(trace.TerminateStep{Content: "hello back", Summary: "echoed"})
		res.Trace = tr
		return res
	})
	env := newEnv(t, `{"entry":"echo","nodes":[{"node_id":"echo","system_prompt":"Echo the input.","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"hello"`))

	require.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, "hello back", out.Output)
	assert.Equal(t, 1, out.Nodes)
	assert.InDelta(t, 0.004, out.Cost, 1e-9)
	assert.Empty(t, out.Reason)

	view := env.view(env.invID)
	assert.Equal(t, store.StatusCompleted, view.Invocation.Status)
	require.NotNil(t, view.Invocation.EndTime)
	assert.Equal(t, "hello back", view.Invocation.WorkflowOutput)
	assert.InDelta(t, 0.004, view.Invocation.USDCost, 1e-9)

	require.Len(t, view.NodeInvocations, 1)
	ni := view.NodeInvocations[0]
	assert.Equal(t, "echo", ni.NodeID)
	assert.Equal(t, store.NodeCompleted, ni.Status)
	assert.InDelta(t, 0.004, ni.USDCost, 1e-9)
	assert.Contains(t, ni.Extras, store.ExtraTrace)

	require.Len(t, view.Messages, 2)
	assert.Equal(t, store.StartNodeID, view.Messages[0].FromNodeID)
	assert.Equal(t, "echo", view.Messages[0].ToNodeID)
	assert.Equal(t, 1, view.Messages[0].Seq)
	assert.Equal(t, store.RoleDelegation, view.Messages[0].Role)
	assert.Equal(t, "echo", view.Messages[1].FromNodeID)
	assert.Equal(t, workflow.EndNodeID, view.Messages[1].ToNodeID)
	assert.Equal(t, 2, view.Messages[1].Seq)
	assert.Equal(t, store.RoleResult, view.Messages[1].Role)

	assert.Equal(t, []hooks.EventType{
		hooks.InvocationStarted,
		hooks.MessageRouted,
		hooks.NodeStarted,
		hooks.NodeCompleted,
		hooks.MessageRouted,
		hooks.InvocationCompleted,
	}, env.events.seen())
}

func TestSequentialRunAssignsContiguousSeqs(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("classifier", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("responder", "intent: greeting", 0.002)
	})
	runner.handle("responder", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply(workflow.EndNodeID, "final answer", 0.003)
	})
	env := newEnv(t, `{"entry":"classifier","nodes":[
		{"node_id":"classifier","hand_offs":["responder"]},
		{"node_id":"responder","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"hi"`))

	require.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, "final answer", out.Output)
	assert.Equal(t, 2, out.Nodes)
	assert.InDelta(t, 0.005, out.Cost, 1e-9)

	view := env.view(env.invID)
	require.Len(t, view.NodeInvocations, 2)
	require.Len(t, view.Messages, 3)
	for i, msg := range view.Messages {
		assert.Equal(t, i+1, msg.Seq)
	}
	assert.Equal(t, "responder", view.Messages[1].ToNodeID)
	assert.Equal(t, store.RoleSequential, view.Messages[1].Role)

	reqs := runner.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "classifier", reqs[0].Node.ID)
	assert.Equal(t, "responder", reqs[1].Node.ID)
	var forwarded string
	require.NoError(t, json.Unmarshal(reqs[1].Payload, &forwarded))
	assert.Equal(t, "intent: greeting", forwarded)
}

func TestParallelFanOutRunsBranchesConcurrently(t *testing.T) {
	t.Parallel()
	var barrier sync.WaitGroup
	barrier.Add(2)
	runner := newScriptedRunner()
	runner.handle("planner", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return &pipeline.Result{
			Strategy:    pipeline.StrategySingleCall,
			FinalOutput: "split the work",
			NextIDs:     []string{"research", "draft"},
			Replies: []handoff.Reply{
				{TargetID: "research", Role: store.RoleSequential, Content: "dig into sources"},
				{TargetID: "draft", Role: store.RoleSequential, Content: "write the outline"},
			},
			Cost: 0.002,
		}
	})
	runner.handle("research", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		barrier.Done()
		barrier.Wait()
		return reply(workflow.EndNodeID, "research findings", 0.003)
	})
	runner.handle("draft", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		barrier.Done()
		barrier.Wait()
		return reply(workflow.EndNodeID, "draft text", 0.004)
	})
	env := newEnv(t, `{"entry":"planner","nodes":[
		{"node_id":"planner","hand_offs":["research","draft"],"hand_off_type":"parallel"},
		{"node_id":"research","hand_offs":["end"]},
		{"node_id":"draft","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"topic"`))

	require.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, 3, out.Nodes)
	assert.InDelta(t, 0.009, out.Cost, 1e-9)

	var aggregated map[string]string
	require.NoError(t, json.Unmarshal([]byte(out.Output), &aggregated))
	assert.Equal(t, map[string]string{
		"research": "research findings",
		"draft":    "draft text",
	}, aggregated)

	view := env.view(env.invID)
	nodeIDs := make([]string, 0, len(view.NodeInvocations))
	for _, ni := range view.NodeInvocations {
		nodeIDs = append(nodeIDs, ni.NodeID)
	}
	assert.ElementsMatch(t, []string{"planner", "research", "draft"}, nodeIDs)

	require.Len(t, view.Messages, 5)
	assert.Equal(t, "research", view.Messages[1].ToNodeID)
	assert.Equal(t, 2, view.Messages[1].Seq)
	assert.Equal(t, "draft", view.Messages[2].ToNodeID)
	assert.Equal(t, 3, view.Messages[2].Seq)
	assert.Equal(t, workflow.EndNodeID, view.Messages[3].ToNodeID)
	assert.Equal(t, workflow.EndNodeID, view.Messages[4].ToNodeID)
}

func TestJoinAggregatesMultiFeedTarget(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("planner", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return &pipeline.Result{
			Strategy: pipeline.StrategySingleCall,
			NextIDs:  []string{"research", "draft"},
			Replies: []handoff.Reply{
				{TargetID: "research", Role: store.RoleSequential, Content: "sources please"},
				{TargetID: "draft", Role: store.RoleSequential, Content: "outline please"},
			},
			Cost: 0.001,
		}
	})
	runner.handle("research", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("synth", "research findings", 0.001)
	})
	runner.handle("draft", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("synth", "draft text", 0.001)
	})
	runner.handle("synth", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply(workflow.EndNodeID, "combined", 0.002)
	})
	env := newEnv(t, `{"entry":"planner","nodes":[
		{"node_id":"planner","hand_offs":["research","draft"],"hand_off_type":"parallel"},
		{"node_id":"research","hand_offs":["synth"]},
		{"node_id":"draft","hand_offs":["synth"]},
		{"node_id":"synth","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"topic"`))

	require.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, "combined", out.Output)
	assert.Equal(t, 4, out.Nodes)

	synthReqs := runner.requestsFor("synth")
	require.Len(t, synthReqs, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(synthReqs[0].Payload, &payload))
	assert.Equal(t, map[string]string{
		"research": "research findings",
		"draft":    "draft text",
	}, payload)

	view := env.view(env.invID)
	require.Len(t, view.Messages, 5)
	agg := view.Messages[3]
	assert.Equal(t, "synth", agg.ToNodeID)
	assert.Equal(t, store.RoleAggregated, agg.Role)
	assert.Equal(t, "research", agg.FromNodeID)
	assert.Equal(t, 4, agg.Seq)
}

func TestWaitForGatesUntilAllSendersDeliver(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("planner", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return &pipeline.Result{
			Strategy: pipeline.StrategySingleCall,
			NextIDs:  []string{"research", "draft"},
			Replies: []handoff.Reply{
				{TargetID: "research", Role: store.RoleSequential, Content: "sources please"},
				{TargetID: "draft", Role: store.RoleSequential, Content: "outline please"},
			},
			Cost: 0.001,
		}
	})
	runner.handle("research", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("synth", "research findings", 0.001)
	})
	runner.handle("draft", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("synth", "draft text", 0.001)
	})
	runner.handle("synth", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply(workflow.EndNodeID, "combined", 0.002)
	})
	env := newEnv(t, `{"entry":"planner","nodes":[
		{"node_id":"planner","hand_offs":["research","draft"],"hand_off_type":"parallel"},
		{"node_id":"research","hand_offs":["synth"]},
		{"node_id":"draft","hand_offs":["synth"]},
		{"node_id":"synth","wait_for":["research","draft"],"hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"topic"`))

	require.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, "combined", out.Output)
	assert.Equal(t, 4, out.Nodes)

	synthReqs := runner.requestsFor("synth")
	require.Len(t, synthReqs, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(synthReqs[0].Payload, &payload))
	assert.Len(t, payload, 2)
	assert.Equal(t, "research findings", payload["research"])
	assert.Equal(t, "draft text", payload["draft"])

	// Gated targets get individual deliveries, never a pre-aggregated one.
	view := env.view(env.invID)
	require.Len(t, view.Messages, 6)
	assert.Equal(t, "synth", view.Messages[3].ToNodeID)
	assert.Equal(t, "research", view.Messages[3].FromNodeID)
	assert.Equal(t, "synth", view.Messages[4].ToNodeID)
	assert.Equal(t, "draft", view.Messages[4].FromNodeID)
	assert.Equal(t, workflow.EndNodeID, view.Messages[5].ToNodeID)
}

func TestSpendingCapBlocksNextNode(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("spender", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("next", "spent a lot", 0.02)
	})
	runner.handle("next", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply(workflow.EndNodeID, "should never run", 0.001)
	})
	env := newEnv(t, `{"entry":"spender","nodes":[
		{"node_id":"spender","hand_offs":["next"]},
		{"node_id":"next","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{SpendingCapUSD: 0.01}, `"go"`))

	require.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, pipeline.ReasonSpendingExceeded, out.Reason)
	assert.Equal(t, 1, out.Nodes)

	require.Len(t, runner.requests(), 1)
	assert.Equal(t, "spender", runner.requests()[0].Node.ID)

	view := env.view(env.invID)
	assert.Equal(t, store.StatusFailed, view.Invocation.Status)
	assert.Equal(t, pipeline.ReasonSpendingExceeded, view.Invocation.Extras[store.ExtraError])
	require.NotNil(t, view.Invocation.EndTime)
}

func TestNodeFailurePropagatesReason(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("worker", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		tr := trace.New()
		_ = tr.Append(trace.ErrorStep{Reason: "spending cap reached"})
		return &pipeline.Result{
			Strategy: pipeline.StrategyMultiStepV3,
			Cost:     0.01,
			Trace:    tr,
			Error:    pipeline.ReasonSpendingExceeded,
		}
	})
	env := newEnv(t, `{"entry":"worker","nodes":[{"node_id":"worker","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"go"`))

	require.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, pipeline.ReasonSpendingExceeded, out.Reason)
	assert.InDelta(t, 0.01, out.Cost, 1e-9)

	view := env.view(env.invID)
	require.Len(t, view.NodeInvocations, 1)
	assert.Equal(t, store.NodeFailed, view.NodeInvocations[0].Status)
	assert.Equal(t, pipeline.ReasonSpendingExceeded, view.NodeInvocations[0].Error)
	// No hand-off messages after the failure, only the seed.
	require.Len(t, view.Messages, 1)
}

func TestNodeBudgetStopsCycles(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("loop", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("loop", "again", 0.001)
	})
	env := newEnv(t, `{"entry":"loop","nodes":[{"node_id":"loop","hand_offs":["loop"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{MaxNodes: 3}, `"go"`))

	require.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, executor.ReasonStepBudgetExhausted, out.Reason)
	assert.Equal(t, 3, out.Nodes)
	require.Len(t, runner.requests(), 3)

	view := env.view(env.invID)
	assert.Equal(t, executor.ReasonStepBudgetExhausted, view.Invocation.Extras[store.ExtraError])
}

func TestUnknownSuccessorFailsRun(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("echo", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		return reply("ghost", "off the map", 0.001)
	})
	env := newEnv(t, `{"entry":"echo","nodes":[{"node_id":"echo","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"go"`))

	require.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, executor.ReasonUnknownNode, out.Reason)
}

func TestCancelSignalStopsRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var once sync.Once
	runner := newScriptedRunner()
	runner.handle("worker", func(ctx context.Context, _ pipeline.Request) *pipeline.Result {
		once.Do(func() { close(started) })
		select {
		case <-ctx.Done():
			return &pipeline.Result{Error: pipeline.ReasonCancelled, Cost: 0.001}
		case <-time.After(5 * time.Second):
			return reply(workflow.EndNodeID, "too late", 0)
		}
	})
	env := newEnv(t, `{"entry":"worker","nodes":[{"node_id":"worker","hand_offs":["end"]}]}`, runner)

	h := env.start(env.invID, api.Budget{CancelGrace: 30 * time.Millisecond}, `"job"`)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	require.NoError(t, h.Signal(context.Background(), api.SignalCancel, api.CancelRequest{
		InvocationID: env.invID,
		Reason:       "user_requested",
		RequestedBy:  "tester",
	}))

	out := env.wait(h)
	require.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, pipeline.ReasonCancelled, out.Reason)
	assert.InDelta(t, 0.001, out.Cost, 1e-9)

	view := env.view(env.invID)
	assert.Equal(t, store.StatusFailed, view.Invocation.Status)
	assert.Equal(t, pipeline.ReasonCancelled, view.Invocation.Extras[store.ExtraError])
	require.NotNil(t, view.Invocation.EndTime)
	require.Len(t, view.NodeInvocations, 1)
	assert.Equal(t, store.NodeFailed, view.NodeInvocations[0].Status)
	assert.Equal(t, pipeline.ReasonCancelled, view.NodeInvocations[0].Error)
	// No routing after cancellation, only the seed message.
	require.Len(t, view.Messages, 1)
}

func TestWallClockTimeoutFailsRun(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("worker", func(ctx context.Context, _ pipeline.Request) *pipeline.Result {
		select {
		case <-ctx.Done():
			return &pipeline.Result{Error: pipeline.ReasonCancelled, Cost: 0.001}
		case <-time.After(5 * time.Second):
			return reply(workflow.EndNodeID, "too late", 0)
		}
	})
	env := newEnv(t, `{"entry":"worker","nodes":[{"node_id":"worker","hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{
		WallClock:   50 * time.Millisecond,
		CancelGrace: 20 * time.Millisecond,
	}, `"job"`))

	require.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, executor.ReasonTimeout, out.Reason)

	view := env.view(env.invID)
	assert.Equal(t, executor.ReasonTimeout, view.Invocation.Extras[store.ExtraError])
}

func TestMemoryCommitBumpsNodeVersionOnce(t *testing.T) {
	t.Parallel()
	runner := newScriptedRunner()
	runner.handle("learner", func(_ context.Context, _ pipeline.Request) *pipeline.Result {
		res := reply(workflow.EndNodeID, "learned", 0.002)
		res.UpdatedMemory = map[string]string{"style": "verbose"}
		return res
	})
	env := newEnv(t, `{"entry":"learner","nodes":[
		{"node_id":"learner","memory":{"style":"terse"},"hand_offs":["end"]}]}`, runner)

	out := env.wait(env.start(env.invID, api.Budget{}, `"teach"`))
	require.Equal(t, store.StatusCompleted, out.Status)

	nv, err := env.store.LatestNodeVersion(context.Background(), env.verID, "learner")
	require.NoError(t, err)
	assert.Equal(t, 1, nv.Version)
	assert.Equal(t, map[string]string{"style": "verbose"}, nv.Config.Memory)
	assert.Contains(t, env.events.seen(), hooks.MemoryCommitted)

	// A second run loads the committed memory and, with an identical
	// delta, does not bump again.
	second := env.newInvocation("inv-exec-2")
	out = env.wait(env.start(second, api.Budget{}, `"teach"`))
	require.Equal(t, store.StatusCompleted, out.Status)

	reqs := runner.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, map[string]string{"style": "terse"}, reqs[0].Memory)
	assert.Equal(t, map[string]string{"style": "verbose"}, reqs[1].Memory)

	nv, err = env.store.LatestNodeVersion(context.Background(), env.verID, "learner")
	require.NoError(t, err)
	assert.Equal(t, 1, nv.Version)
}

func TestExecutorOptionValidation(t *testing.T) {
	t.Parallel()
	_, err := executor.New(executor.Options{Runner: newScriptedRunner()})
	require.ErrorContains(t, err, "store is required")
	_, err = executor.New(executor.Options{Store: memstore.New()})
	require.ErrorContains(t, err, "node runner is required")
}
