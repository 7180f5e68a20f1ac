package trace

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSteps(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(PrepareStep{Content: "node summarizer, round 1 of 6"}))
	require.NoError(t, tr.Append(ReasoningStep{Content: "need the raw document first"}))
	require.NoError(t, tr.Append(ToolStep{Name: "fetch_doc", Args: json.RawMessage(`{"id":"d1"}`), Return: "full text", Summary: "fetched d1"}))
	require.NoError(t, tr.Append(TextStep{Content: "summary of d1"}))

	require.Equal(t, 4, tr.Len())
	steps := tr.Steps()
	assert.Equal(t, KindPrepare, steps[0].Kind())
	assert.Equal(t, KindReasoning, steps[1].Kind())
	assert.Equal(t, KindTool, steps[2].Kind())
	assert.Equal(t, KindText, steps[3].Kind())

	// Steps returns a copy.
	steps[0] = TextStep{Content: "mutated"}
	assert.Equal(t, KindPrepare, tr.Steps()[0].Kind())
}

func TestAppendNil(t *testing.T) {
	tr := New()
	require.Error(t, tr.Append(nil))
	assert.Equal(t, 0, tr.Len())
}

func TestTerminateFreezes(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(TextStep{Content: "draft"}))
	require.NoError(t, tr.Append(TerminateStep{Content: "final answer", Summary: "done"}))
	require.True(t, tr.Terminated())

	err := tr.Append(TextStep{Content: "late"})
	require.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, 2, tr.Len())

	term, ok := tr.Terminate()
	require.True(t, ok)
	assert.Equal(t, "final answer", term.Content)
	assert.Equal(t, "done", term.Summary)
}

func TestTerminateAbsent(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(TextStep{Content: "partial"}))
	_, ok := tr.Terminate()
	assert.False(t, ok)
	assert.False(t, tr.Terminated())
}

func TestCollapseKeepsBound(t *testing.T) {
	tr := NewBounded(4)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Append(ReasoningStep{Content: "round"}))
		require.LessOrEqual(t, tr.Len(), 4)
	}

	steps := tr.Steps()
	marker, ok := steps[0].(TextStep)
	require.True(t, ok, "oldest step should be the collapse marker")
	assert.Contains(t, marker.Content, "earlier steps collapsed")

	// The newest appends survive verbatim.
	assert.Equal(t, KindReasoning, steps[len(steps)-1].Kind())
}

func TestCollapseCountsFoldedSteps(t *testing.T) {
	tr := NewBounded(3)
	for i := 0; i < 6; i++ {
		require.NoError(t, tr.Append(TextStep{Content: "s"}))
	}
	marker := tr.Steps()[0].(TextStep)
	// 6 appended, bound 3, one slot spent on the marker itself.
	assert.Equal(t, "[4 earlier steps collapsed]", marker.Content)
}

func TestFirstCollapseFreesRoomForAppend(t *testing.T) {
	tr := NewBounded(5)
	for i := 0; i < 6; i++ {
		require.NoError(t, tr.Append(ReasoningStep{Content: "round"}))
	}

	// The overflowing append folds the two oldest steps into the marker and
	// lands within the bound.
	require.Equal(t, 5, tr.Len())
	marker := tr.Steps()[0].(TextStep)
	assert.Equal(t, "[2 earlier steps collapsed]", marker.Content)

	for i := 0; i < 6; i++ {
		require.NoError(t, tr.Append(ReasoningStep{Content: "round"}))
		require.LessOrEqual(t, tr.Len(), 5)
	}

	// 12 appended in total: the marker accounts for every step that no
	// longer appears verbatim.
	steps := tr.Steps()
	marker = steps[0].(TextStep)
	assert.Equal(t, "[8 earlier steps collapsed]", marker.Content)
	assert.Equal(t, 12, 8+len(steps)-1)
}

func TestCollapseMinimumBound(t *testing.T) {
	tr := NewBounded(1) // clamped to 2
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Append(TextStep{Content: "s"}))
		require.LessOrEqual(t, tr.Len(), 2)
	}
}

func TestLastText(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(TextStep{Content: "first"}))
	require.NoError(t, tr.Append(ToolStep{Name: "calc", Return: "42"}))
	require.NoError(t, tr.Append(TextStep{Content: "second"}))

	text, ok := tr.LastText()
	require.True(t, ok)
	assert.Equal(t, "second", text)

	ret, ok := tr.LastToolReturn()
	require.True(t, ok)
	assert.Equal(t, "42", ret)
}

func TestLastTextEmpty(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(ReasoningStep{Content: "thinking"}))
	_, ok := tr.LastText()
	assert.False(t, ok)
	_, ok = tr.LastToolReturn()
	assert.False(t, ok)
}

func TestCountKind(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(ToolStep{Name: "a"}))
	require.NoError(t, tr.Append(ToolStep{Name: "b"}))
	require.NoError(t, tr.Append(ErrorStep{Reason: "tool a failed"}))

	assert.Equal(t, 2, tr.CountKind(KindTool))
	assert.Equal(t, 1, tr.CountKind(KindError))
	assert.Equal(t, 0, tr.CountKind(KindText))
}

func TestRender(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(PrepareStep{Content: "node writer"}))
	require.NoError(t, tr.Append(ReasoningStep{Content: "outline first"}))
	require.NoError(t, tr.Append(PlanStep{Content: "call search then draft"}))
	require.NoError(t, tr.Append(ToolStep{Name: "search", Args: json.RawMessage(`{"q": "go"}`), Return: "3 hits", Summary: "searched"}))
	require.NoError(t, tr.Append(DebugStep{Content: "raw prompt dump"}))
	require.NoError(t, tr.Append(LearningStep{Delta: map[string]string{"style": "terse"}}))
	require.NoError(t, tr.Append(TerminateStep{Content: "final", Summary: "wrote the doc"}))

	out := tr.Render()
	assert.Contains(t, out, "prepare: node writer")
	assert.Contains(t, out, "reasoning: outline first")
	assert.Contains(t, out, "plan: call search then draft")
	assert.Contains(t, out, `tool search({"q":"go"}) -> 3 hits`)
	assert.Contains(t, out, "terminate: final")
	assert.NotContains(t, out, "raw prompt dump")
	assert.Contains(t, out, `"style"`)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 6)
}

func TestSerializeExcludesDebug(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(TextStep{Content: "visible"}))
	require.NoError(t, tr.Append(DebugStep{Content: "selector prompt"}))
	require.NoError(t, tr.Append(TerminateStep{Content: "done"}))

	blob, err := tr.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "selector prompt")
	assert.NotContains(t, string(blob), `"debug"`)

	parsed, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Len())
	assert.True(t, parsed.Terminated())
}

func TestParseRoundTrip(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(PrepareStep{Content: "p"}))
	require.NoError(t, tr.Append(ToolStep{Name: "t", Args: json.RawMessage(`{"k":1}`), Return: "r", Summary: "s"}))
	require.NoError(t, tr.Append(LearningStep{Delta: map[string]string{"a": "b"}}))
	require.NoError(t, tr.Append(ErrorStep{Reason: "flaky tool"}))
	require.NoError(t, tr.Append(TerminateStep{Content: "c", Summary: "sum"}))

	blob, err := tr.Serialize()
	require.NoError(t, err)
	parsed, err := Parse(blob)
	require.NoError(t, err)

	require.Equal(t, tr.Len(), parsed.Len())
	want, got := tr.Steps(), parsed.Steps()
	for i := range want {
		assert.Equal(t, want[i].Kind(), got[i].Kind(), "step %d", i)
	}
	tool := got[1].(ToolStep)
	assert.Equal(t, "t", tool.Name)
	assert.JSONEq(t, `{"k":1}`, string(tool.Args))
	assert.Equal(t, "r", tool.Return)
	learning := got[2].(LearningStep)
	assert.Equal(t, "b", learning.Delta["a"])
	assert.True(t, parsed.Terminated())
}

func TestParseUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"steps":[{"kind":"telepathy"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step kind")
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"steps":[`))
	require.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	parsed, err := Parse([]byte(`{"steps":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Len())
	assert.False(t, parsed.Terminated())
}

func TestMustSerialize(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Append(TextStep{Content: "x"}))
	blob := tr.MustSerialize()
	assert.Contains(t, blob, `"kind":"text"`)
}
