package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/handoff"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/modeltest"
	"goa.design/loom/runtime/planner"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/trace"
	"goa.design/loom/runtime/workflow"
)

const noteSchema = `{"type":"object","properties":{"note":{"type":"string"}}}`

// scriptedSelector hands out queued selections in order. An unscripted
// call fails the test run so every round must be planned.
type scriptedSelector struct {
	mu     sync.Mutex
	queue  []scriptedSelection
	inputs []planner.Input
}

type scriptedSelection struct {
	sel *planner.Selection
	err error
}

func (s *scriptedSelector) CallTool(name tools.Ident, plan, check string, mutation bool, reasoning string, cost float64) *scriptedSelector {
	return s.push(planner.Decision{
		Kind:            planner.DecisionCallTool,
		ToolName:        name,
		Plan:            plan,
		Check:           check,
		ExpectsMutation: mutation,
		Reasoning:       reasoning,
	}, cost)
}

func (s *scriptedSelector) Terminate(reasoning string, cost float64) *scriptedSelector {
	return s.push(planner.Decision{Kind: planner.DecisionTerminate, Reasoning: reasoning}, cost)
}

func (s *scriptedSelector) Error(reasoning string, cost float64) *scriptedSelector {
	return s.push(planner.Decision{Kind: planner.DecisionError, Reasoning: reasoning}, cost)
}

func (s *scriptedSelector) Fail(err error) *scriptedSelector {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedSelection{err: err})
	return s
}

func (s *scriptedSelector) push(d planner.Decision, cost float64) *scriptedSelector {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedSelection{sel: &planner.Selection{
		Decision:    d,
		DebugPrompt: fmt.Sprintf("selector prompt %d", len(s.queue)+1),
		Cost:        cost,
	}})
	return s
}

func (s *scriptedSelector) Select(_ context.Context, in planner.Input) (*planner.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if len(s.queue) == 0 {
		return nil, errors.New("unscripted selector call")
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next.sel, next.err
}

func (s *scriptedSelector) Inputs() []planner.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]planner.Input(nil), s.inputs...)
}

// staticResolver returns a fixed tool set and records what was asked.
type staticResolver struct {
	mu    sync.Mutex
	set   tools.Set
	err   error
	names [][]tools.Ident
	ics   []tools.InitContext
}

func (r *staticResolver) Resolve(_ context.Context, names []tools.Ident, ic tools.InitContext) (tools.Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, append([]tools.Ident(nil), names...))
	r.ics = append(r.ics, ic)
	if r.err != nil {
		return nil, r.err
	}
	return r.set, nil
}

type panickyResolver struct{}

func (panickyResolver) Resolve(context.Context, []tools.Ident, tools.InitContext) (tools.Set, error) {
	panic("boom")
}

func testTool(t *testing.T, name tools.Ident, ret string) tools.Handle {
	t.Helper()
	h, err := tools.New(tools.Options{
		Name:        name,
		Description: "Test tool " + string(name),
		Schema:      []byte(noteSchema),
		Run: func(context.Context, json.RawMessage) (string, error) {
			return ret, nil
		},
	})
	require.NoError(t, err)
	return h
}

func failingTool(t *testing.T, name tools.Ident, reason string) tools.Handle {
	t.Helper()
	h, err := tools.New(tools.Options{
		Name:        name,
		Description: "Failing tool " + string(name),
		Schema:      []byte(noteSchema),
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New(reason)
		},
	})
	require.NoError(t, err)
	return h
}

func setOf(handles ...tools.Handle) tools.Set {
	set := make(tools.Set, len(handles))
	for _, h := range handles {
		set[h.Name()] = h
	}
	return set
}

// newPipeline wires a pipeline around the scripted client. The hand-off
// resolver shares the client so pick responses queue in call order.
func newPipeline(t *testing.T, client *modeltest.Client, opts Options) *Pipeline {
	t.Helper()
	caller, err := model.NewCaller(model.CallerOptions{Client: client})
	require.NoError(t, err)
	opts.Caller = caller
	if opts.Model == "" {
		opts.Model = "claude-3-5-sonnet-20241022"
	}
	if opts.Handoff == nil {
		h, herr := handoff.New(handoff.Options{Caller: caller, Model: opts.Model, Spend: opts.Spend})
		require.NoError(t, herr)
		opts.Handoff = h
	}
	if opts.Selector == nil {
		opts.Selector = &scriptedSelector{}
	}
	if opts.Tools == nil {
		opts.Tools = &staticResolver{}
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func echoRequest() Request {
	return Request{
		InvocationID: "wfi-1",
		VersionID:    "wfv-1",
		Node: workflow.NodeConfig{
			ID:           "echo",
			SystemPrompt: "Echo the input.",
			HandOffs:     []string{workflow.EndNodeID},
		},
		MainGoal: "echo the greeting",
		Payload:  json.RawMessage(`{"text":"hello"}`),
	}
}

func stepKinds(tr *trace.Trace) []trace.StepKind {
	steps := tr.Steps()
	kinds := make([]trace.StepKind, len(steps))
	for i, s := range steps {
		kinds[i] = s.Kind()
	}
	return kinds
}

func intPtr(n int) *int { return &n }

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	client := modeltest.New()
	caller, err := model.NewCaller(model.CallerOptions{Client: client})
	require.NoError(t, err)
	h, err := handoff.New(handoff.Options{Caller: caller, Model: "m"})
	require.NoError(t, err)
	valid := Options{
		Tools:    &staticResolver{},
		Caller:   caller,
		Model:    "m",
		Selector: &scriptedSelector{},
		Handoff:  h,
	}

	cases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"missing tools", func(o *Options) { o.Tools = nil }, "tool resolver is required"},
		{"missing caller", func(o *Options) { o.Caller = nil }, "caller is required"},
		{"missing model", func(o *Options) { o.Model = "" }, "model is required"},
		{"missing selector", func(o *Options) { o.Selector = nil }, "selector is required"},
		{"missing handoff", func(o *Options) { o.Handoff = nil }, "handoff resolver is required"},
		{"unknown strategy", func(o *Options) { o.MultiStepStrategy = "v9" }, `unknown multi-step strategy "v9"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := valid
			tc.mutate(&opts)
			_, err := New(opts)
			require.EqualError(t, err, tc.want)
		})
	}

	p, err := New(valid)
	require.NoError(t, err)
	assert.Equal(t, StrategyMultiStepV3, p.strategy)
	assert.Equal(t, defaultMaxRounds, p.maxRounds)
	assert.Equal(t, defaultSingleSteps, p.singleSteps)
	assert.Equal(t, "m", p.summaryModel)
}

func TestSingleCallEchoCompletes(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("hello", 0.004).
		RespondText("{}", 0.0005).
		RespondText("echoed the greeting", 0.0005)
	tracker := spend.NewMemoryTracker(1)
	p := newPipeline(t, client, Options{Spend: tracker})

	res := p.Run(context.Background(), echoRequest())

	require.Empty(t, res.Error)
	assert.Equal(t, StrategySingleCall, res.Strategy)
	assert.Equal(t, "hello", res.FinalOutput)
	assert.Equal(t, "[node echo] echoed the greeting", res.Summary)
	assert.Equal(t, []string{workflow.EndNodeID}, res.NextIDs)
	require.Len(t, res.Replies, 1)
	assert.Equal(t, workflow.EndNodeID, res.Replies[0].TargetID)
	assert.Equal(t, store.RoleResult, res.Replies[0].Role)
	assert.Equal(t, "hello", res.Replies[0].Content)
	assert.InDelta(t, 0.005, res.Cost, 1e-9)
	assert.InDelta(t, 0.005, tracker.Total("wfi-1"), 1e-9)
	assert.Nil(t, res.UpdatedMemory, "empty mapping proposes nothing")

	assert.Equal(t, []trace.StepKind{trace.KindText, trace.KindTerminate}, stepKinds(res.Trace))
	term, ok := res.Trace.Terminate()
	require.True(t, ok)
	assert.Equal(t, "hello", term.Content)
	assert.Equal(t, "echoed the greeting", term.Summary)
	assert.Equal(t, 0, client.Remaining())

	reqs := client.Requests()
	require.NotEmpty(t, reqs)
	require.Len(t, reqs[0].Messages, 2)
	assert.Contains(t, reqs[0].Messages[0].Content, "Echo the input.")
	assert.Contains(t, reqs[0].Messages[0].Content, "Main workflow goal: echo the greeting")
	assert.Contains(t, reqs[0].Messages[1].Content, "hello")
}

func TestSingleCallLearningProposesMemory(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("hello", 0.004).
		RespondText(`{"note":"greeted once"}`, 0.0005).
		RespondText("echoed", 0.0005)
	p := newPipeline(t, client, Options{})

	res := p.Run(context.Background(), echoRequest())

	require.Empty(t, res.Error)
	assert.Equal(t, map[string]string{"note": "greeted once"}, res.UpdatedMemory)
	assert.Equal(t, []trace.StepKind{trace.KindText, trace.KindLearning, trace.KindTerminate}, stepKinds(res.Trace))
}

func TestSingleCallSingleToolForcesRequiredChoice(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondToolCall("todo_write", `{"note":"buy milk"}`, 0.01).
		RespondText("{}", 0.0005).
		RespondText("saved one todo", 0.0005)
	resolver := &staticResolver{set: setOf(testTool(t, "todo_write", "saved"))}
	p := newPipeline(t, client, Options{Tools: resolver})

	req := echoRequest()
	req.Node.CodeTools = []string{"todo_write"}
	res := p.Run(context.Background(), req)

	require.Empty(t, res.Error)
	assert.Equal(t, []trace.StepKind{trace.KindTool, trace.KindTerminate}, stepKinds(res.Trace))
	assert.Equal(t, "saved", res.FinalOutput, "terminate content falls back to the tool return")

	reqs := client.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, model.ToolChoiceRequired, reqs[0].ToolChoice.Kind)

	require.Len(t, resolver.ics, 1)
	assert.Equal(t, "wfi-1", resolver.ics[0].WorkflowInvocationID)
	assert.Equal(t, "echo", resolver.ics[0].NodeID)
	assert.Equal(t, []tools.Ident{"todo_write"}, resolver.names[0])
}

func TestSingleCallProviderFaultSynthesizesErrorTerminate(t *testing.T) {
	t.Parallel()

	client := modeltest.New().Fail(errors.New("bad gateway"))
	p := newPipeline(t, client, Options{})

	res := p.Run(context.Background(), echoRequest())

	assert.Equal(t, ReasonProviderError, res.Error)
	assert.Empty(t, res.NextIDs)
	assert.Empty(t, res.Replies)
	assert.Equal(t, []trace.StepKind{trace.KindError, trace.KindTerminate}, stepKinds(res.Trace))
	assert.True(t, res.Trace.Terminated())
}

func TestSingleCallEmptyResponseFails(t *testing.T) {
	t.Parallel()

	client := modeltest.New().Respond(model.Response{StopReason: model.StopReasonEnd, Cost: 0.002})
	tracker := spend.NewMemoryTracker(1)
	p := newPipeline(t, client, Options{Spend: tracker})

	res := p.Run(context.Background(), echoRequest())

	assert.Equal(t, ReasonProviderError, res.Error)
	assert.InDelta(t, 0.002, res.Cost, 1e-9, "cost before the failure still counts")
	assert.InDelta(t, 0.002, tracker.Total("wfi-1"), 1e-9)
}

func TestSpendingCapBlocksRunBeforeAnyCall(t *testing.T) {
	t.Parallel()

	tracker := spend.NewMemoryTracker(0.01)
	tracker.AddCost("wfi-1", 0.02)
	client := modeltest.New()
	p := newPipeline(t, client, Options{Spend: tracker})

	res := p.Run(context.Background(), echoRequest())

	assert.Equal(t, ReasonSpendingExceeded, res.Error)
	assert.Equal(t, 0, client.Calls())
	assert.Empty(t, res.NextIDs)
	assert.Equal(t, []trace.StepKind{trace.KindError, trace.KindTerminate}, stepKinds(res.Trace))
}

func TestMaxStepsZeroTerminatesImmediately(t *testing.T) {
	t.Parallel()

	client := modeltest.New()
	p := newPipeline(t, client, Options{})

	req := echoRequest()
	req.Node.MaxSteps = intPtr(0)
	res := p.Run(context.Background(), req)

	require.Empty(t, res.Error)
	assert.Equal(t, 0, client.Calls(), "no AI calls at all")
	assert.Equal(t, []trace.StepKind{trace.KindTerminate}, stepKinds(res.Trace))
	assert.Equal(t, "[node echo] terminated without execution", res.Summary)
	assert.Equal(t, []string{workflow.EndNodeID}, res.NextIDs)
	assert.Nil(t, res.UpdatedMemory)
	assert.Zero(t, res.Cost)
}

func TestToolResolutionFailureFailsNode(t *testing.T) {
	t.Parallel()

	client := modeltest.New()
	resolver := &staticResolver{err: errors.New("unknown tools: ghost")}
	p := newPipeline(t, client, Options{Tools: resolver})

	req := echoRequest()
	req.Node.MCPTools = []string{"ghost"}
	res := p.Run(context.Background(), req)

	assert.Equal(t, "tool_resolution_failed", res.Error)
	assert.Equal(t, 0, client.Calls())
	assert.Empty(t, res.NextIDs)
	require.Equal(t, []trace.StepKind{trace.KindError, trace.KindTerminate}, stepKinds(res.Trace))
	step, ok := res.Trace.Steps()[0].(trace.ErrorStep)
	require.True(t, ok)
	assert.Contains(t, step.Reason, "unknown tools: ghost")
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	client := modeltest.New()
	p := newPipeline(t, client, Options{Tools: panickyResolver{}})

	res := p.Run(context.Background(), echoRequest())

	assert.Equal(t, ReasonInternalError, res.Error)
	assert.Empty(t, res.NextIDs)
	require.Equal(t, []trace.StepKind{trace.KindError, trace.KindTerminate}, stepKinds(res.Trace))
	step, ok := res.Trace.Steps()[0].(trace.ErrorStep)
	require.True(t, ok)
	assert.Contains(t, step.Reason, "boom")
	assert.True(t, res.Trace.Terminated())
}

func TestProcessRoutesThroughHandoff(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("classified as billing", 0.004).
		RespondText("{}", 0.0005).
		RespondText("classified the ticket", 0.0005).
		RespondText("billing", 0.001)
	p := newPipeline(t, client, Options{})

	req := echoRequest()
	req.Node.ID = "classifier"
	req.Node.HandOffs = []string{"billing", "shipping", workflow.EndNodeID}
	res := p.Run(context.Background(), req)

	require.Empty(t, res.Error)
	assert.Equal(t, []string{"billing"}, res.NextIDs)
	require.Len(t, res.Replies, 1)
	assert.Equal(t, "billing", res.Replies[0].TargetID)
	assert.Equal(t, store.RoleSequential, res.Replies[0].Role)
	assert.Equal(t, "classified as billing", res.Replies[0].Content)
	assert.InDelta(t, 0.006, res.Cost, 1e-9, "hand-off pick cost included")
	require.NotEmpty(t, res.DebugPrompts)
	assert.Contains(t, res.DebugPrompts[len(res.DebugPrompts)-1], "classified as billing")
}

func TestLearningFailureAppendsErrorStep(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("hello", 0.004).
		Fail(errors.New("rate limited")).
		RespondText("echoed", 0.0005)
	p := newPipeline(t, client, Options{})

	res := p.Run(context.Background(), echoRequest())

	require.Empty(t, res.Error, "learning faults do not fail the run")
	assert.Nil(t, res.UpdatedMemory)
	require.Equal(t, []trace.StepKind{trace.KindText, trace.KindError, trace.KindTerminate}, stepKinds(res.Trace))
	step := res.Trace.Steps()[1].(trace.ErrorStep)
	assert.Contains(t, step.Reason, "learning failed")
}

func TestLearningProseAppendsErrorStep(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("hello", 0.004).
		RespondText("I have nothing to store.", 0.0005).
		RespondText("echoed", 0.0005)
	p := newPipeline(t, client, Options{})

	res := p.Run(context.Background(), echoRequest())

	require.Empty(t, res.Error)
	assert.Nil(t, res.UpdatedMemory)
	require.Equal(t, []trace.StepKind{trace.KindText, trace.KindError, trace.KindTerminate}, stepKinds(res.Trace))
	step := res.Trace.Steps()[1].(trace.ErrorStep)
	assert.Contains(t, step.Reason, "no usable mapping")
}

func TestSummaryRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("hello", 0.004).
		RespondText("{}", 0.0005).
		Fail(errors.New("overloaded")).
		Fail(errors.New("overloaded")).
		RespondText("third try", 0.0005)
	p := newPipeline(t, client, Options{})

	res := p.Run(context.Background(), echoRequest())

	require.Empty(t, res.Error)
	assert.Equal(t, "[node echo] third try", res.Summary)
	assert.Equal(t, 0, client.Remaining())
}

func TestSummaryFallsBackAfterRetries(t *testing.T) {
	t.Parallel()

	client := modeltest.New().
		RespondText("hello", 0.004).
		RespondText("{}", 0.0005).
		Fail(errors.New("overloaded")).
		Fail(errors.New("overloaded")).
		Fail(errors.New("overloaded"))
	p := newPipeline(t, client, Options{})

	res := p.Run(context.Background(), echoRequest())

	require.Empty(t, res.Error)
	assert.Equal(t, "[node echo] hello", res.Summary, "summary falls back to the terminate content")
	term, ok := res.Trace.Terminate()
	require.True(t, ok)
	assert.Equal(t, "hello", term.Summary)
}

func TestSelectStrategy(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, modeltest.New(), Options{MultiStepEnabled: true})

	cases := []struct {
		name      string
		node      workflow.NodeConfig
		toolCount int
		strategy  Strategy
		steps     int
	}{
		{"direct sdk", workflow.NodeConfig{UseDirectSDK: true}, 3, StrategyDirectSDK, 1},
		{"multi step with tools", workflow.NodeConfig{}, 2, StrategyMultiStepV3, 6},
		{"no tools falls back to single call", workflow.NodeConfig{}, 0, StrategySingleCall, 1},
		{"node override", workflow.NodeConfig{MaxSteps: intPtr(3)}, 2, StrategyMultiStepV3, 3},
		{"override capped", workflow.NodeConfig{MaxSteps: intPtr(25)}, 2, StrategyMultiStepV3, 10},
		{"zero steps", workflow.NodeConfig{MaxSteps: intPtr(0)}, 2, StrategyMultiStepV3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			strategy, steps := p.selectStrategy(tc.node, tc.toolCount)
			assert.Equal(t, tc.strategy, strategy)
			assert.Equal(t, tc.steps, steps)
		})
	}

	disabled := newPipeline(t, modeltest.New(), Options{})
	strategy, _ := disabled.selectStrategy(workflow.NodeConfig{}, 2)
	assert.Equal(t, StrategySingleCall, strategy, "loop disabled ignores tools")
}

func TestPayloadText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"bare string", `"hi"`, "hi"},
		{"text field", `{"text":"hi"}`, "hi"},
		{"content field", `{"content":"hi"}`, "hi"},
		{"parts", `{"parts":[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]}`, "a\nb"},
		{"unknown shape keeps raw", `{"weird":1}`, `{"weird":1}`},
		{"empty", ``, ""},
		{"null", `null`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, payloadText(json.RawMessage(tc.payload)))
		})
	}
}

func TestIncomingMessage(t *testing.T) {
	t.Parallel()

	msg := incomingMessage("hello", map[string]string{"tone": "formal", "audience": "board"})
	assert.Equal(t, "hello\n\nNode memory:\n- audience: board\n- tone: formal", msg)

	assert.Equal(t, "hello", incomingMessage("hello", nil))
	assert.Equal(t, "No input provided.", incomingMessage("", nil))
}
