package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/modeltest"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/trace"
)

const searchSchema = `{
	"type": "object",
	"properties": {"q": {"type": "string"}},
	"required": ["q"],
	"additionalProperties": false
}`

func searchSet(t *testing.T) tools.Set {
	t.Helper()
	handle, err := tools.New(tools.Options{
		Name:        "search",
		Description: "Search the corpus",
		Schema:      []byte(searchSchema),
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "3 hits", nil
		},
	})
	require.NoError(t, err)
	return tools.Set{handle.Name(): handle}
}

func newSelector(t *testing.T, client model.Client, tracker spend.Tracker) *AISelector {
	t.Helper()
	caller, err := model.NewCaller(model.CallerOptions{Client: client})
	require.NoError(t, err)
	sel, err := New(Options{Caller: caller, Model: "claude-3-5-sonnet-20241022", Spend: tracker})
	require.NoError(t, err)
	return sel
}

func selectionInput(set tools.Set) Input {
	tr := trace.New()
	_ = tr.Append(trace.TextStep{Content: "drafted the outline"})
	return Input{
		InvocationID: "wfi-1",
		NodeID:       "writer",
		SystemPrompt: "You write concise reports.",
		MainGoal:     "produce the quarterly report",
		Memory:       map[string]string{"tone": "formal", "audience": "board"},
		Trace:        tr,
		RoundsLeft:   3,
		Tools:        set,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()
	caller, err := model.NewCaller(model.CallerOptions{Client: modeltest.New()})
	require.NoError(t, err)

	_, err = New(Options{Model: "m"})
	require.Error(t, err)
	_, err = New(Options{Caller: caller})
	require.Error(t, err)
}

func TestSelectCallTool(t *testing.T) {
	t.Parallel()
	client := modeltest.New().RespondText(
		`{"action":"call_tool","tool":"search","plan":"find revenue figures","check":"revenue, Q3","expects_mutation":false,"reasoning":"need the numbers"}`,
		0.002,
	)
	tracker := spend.NewMemoryTracker(1)
	sel := newSelector(t, client, tracker)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.NoError(t, err)
	assert.Equal(t, DecisionCallTool, out.Decision.Kind)
	assert.Equal(t, tools.Ident("search"), out.Decision.ToolName)
	assert.Equal(t, "find revenue figures", out.Decision.Plan)
	assert.Equal(t, "revenue, Q3", out.Decision.Check)
	assert.False(t, out.Decision.ExpectsMutation)
	assert.Equal(t, "need the numbers", out.Decision.Reasoning)
	assert.InDelta(t, 0.002, out.Cost, 1e-9)
	assert.InDelta(t, 0.002, tracker.Total("wfi-1"), 1e-9)

	assert.Contains(t, out.DebugPrompt, `workflow node "writer"`)
	assert.Contains(t, out.DebugPrompt, "produce the quarterly report")
	assert.Contains(t, out.DebugPrompt, "drafted the outline")
	assert.Contains(t, out.DebugPrompt, "Rounds left including this one: 3")
	assert.Contains(t, out.DebugPrompt, "- search: Search the corpus")
	assert.Contains(t, out.DebugPrompt, "- audience: board")
}

func TestSelectTerminate(t *testing.T) {
	t.Parallel()
	client := modeltest.New().RespondText(
		`{"action":"terminate","reasoning":"report is complete"}`, 0.001,
	)
	sel := newSelector(t, client, nil)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.NoError(t, err)
	assert.Equal(t, DecisionTerminate, out.Decision.Kind)
	assert.Equal(t, "report is complete", out.Decision.Reasoning)
}

func TestSelectFencedResponse(t *testing.T) {
	t.Parallel()
	client := modeltest.New().RespondText(
		"Here is my decision:\n```json\n{\"action\":\"terminate\",\"reasoning\":\"done\"}\n```\n", 0.001,
	)
	sel := newSelector(t, client, nil)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.NoError(t, err)
	assert.Equal(t, DecisionTerminate, out.Decision.Kind)
	assert.Equal(t, "done", out.Decision.Reasoning)
}

func TestSelectUnknownToolBecomesErrorDecision(t *testing.T) {
	t.Parallel()
	client := modeltest.New().RespondText(
		`{"action":"call_tool","tool":"deploy","reasoning":"ship it"}`, 0.001,
	)
	sel := newSelector(t, client, nil)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision.Kind)
	assert.Contains(t, out.Decision.Reasoning, `unknown tool "deploy"`)
}

func TestSelectProseBecomesErrorDecision(t *testing.T) {
	t.Parallel()
	client := modeltest.New().RespondText("I think we should search for the figures.", 0.001)
	sel := newSelector(t, client, nil)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision.Kind)
	assert.Contains(t, out.Decision.Reasoning, "no decision object")
}

func TestSelectSpendingCapBlocksCall(t *testing.T) {
	t.Parallel()
	tracker := spend.NewMemoryTracker(0.01)
	tracker.AddCost("wfi-1", 0.02)
	client := modeltest.New()
	sel := newSelector(t, client, tracker)

	_, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	var exceeded *spend.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Empty(t, client.Requests(), "no model call once the cap is hit")
}

func TestSelectProviderFailureCarriesCost(t *testing.T) {
	t.Parallel()
	tracker := spend.NewMemoryTracker(1)
	boom := errors.New("provider unreachable")
	client := modeltest.New().FailWithCost(boom, 0.003)
	sel := newSelector(t, client, tracker)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.ErrorIs(t, err, boom)
	assert.InDelta(t, 0.003, out.Cost, 1e-9)
	assert.InDelta(t, 0.003, tracker.Total("wfi-1"), 1e-9)
}

func TestSelectEmptyResponseBecomesErrorDecision(t *testing.T) {
	t.Parallel()
	client := modeltest.New().Respond(model.Response{StopReason: model.StopReasonEnd, Cost: 0.001})
	sel := newSelector(t, client, nil)

	out, err := sel.Select(context.Background(), selectionInput(searchSet(t)))
	require.NoError(t, err)
	assert.Equal(t, DecisionError, out.Decision.Kind)
	assert.Contains(t, out.Decision.Reasoning, "empty response")
}

func TestSelectFinalRoundHint(t *testing.T) {
	t.Parallel()
	client := modeltest.New().RespondText(`{"action":"terminate","reasoning":"out of rounds"}`, 0)
	sel := newSelector(t, client, nil)

	in := selectionInput(searchSet(t))
	in.RoundsLeft = 1
	out, err := sel.Select(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, out.DebugPrompt, "final round")
}

func TestParseDecisionRejectsMissingAction(t *testing.T) {
	t.Parallel()
	_, err := parseDecision(`{"tool":"search"}`, searchSet(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no action")

	_, err = parseDecision(`{"action":"retreat"}`, searchSet(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown decision action "retreat"`)

	_, err = parseDecision(`{"action":"call_tool"}`, searchSet(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "names no tool")
}
