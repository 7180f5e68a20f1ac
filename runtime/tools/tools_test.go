package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchSchema = `{
	"type": "object",
	"properties": {
		"q": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1}
	},
	"required": ["q"],
	"additionalProperties": false
}`

func newSearchTool(t *testing.T, run func(ctx context.Context, args json.RawMessage) (string, error)) Handle {
	t.Helper()
	h, err := New(Options{
		Name:        "search",
		Description: "Search the corpus.",
		Schema:      []byte(searchSchema),
		Run:         run,
	})
	require.NoError(t, err)
	return h
}

func TestNewValidatesOptions(t *testing.T) {
	run := func(context.Context, json.RawMessage) (string, error) { return "", nil }

	cases := []struct {
		name string
		opts Options
	}{
		{"missing name", Options{Description: "d", Schema: []byte(`{}`), Run: run}},
		{"missing description", Options{Name: "t", Schema: []byte(`{}`), Run: run}},
		{"missing schema", Options{Name: "t", Description: "d", Run: run}},
		{"missing run", Options{Name: "t", Description: "d", Schema: []byte(`{}`)}},
		{"invalid schema json", Options{Name: "t", Description: "d", Schema: []byte(`{`), Run: run}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts)
			require.Error(t, err)
		})
	}
}

func TestCallRunsTool(t *testing.T) {
	var got json.RawMessage
	h := newSearchTool(t, func(_ context.Context, args json.RawMessage) (string, error) {
		got = args
		return "3 results", nil
	})

	out, err := h.Call(context.Background(), json.RawMessage(`{"q":"go","limit":5}`))
	require.NoError(t, err)
	assert.Equal(t, "3 results", out)
	assert.JSONEq(t, `{"q":"go","limit":5}`, string(got))
	assert.Equal(t, Ident("search"), h.Name())
	assert.Equal(t, "Search the corpus.", h.Description())
	assert.NotNil(t, h.Schema())
}

func TestCallRejectsInvalidArguments(t *testing.T) {
	h := newSearchTool(t, func(context.Context, json.RawMessage) (string, error) {
		t.Fatal("run must not be called for invalid arguments")
		return "", nil
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := h.Call(context.Background(), json.RawMessage(`{"q":`))
		require.Error(t, err)
		assert.True(t, IsInvalidArguments(err))
	})

	t.Run("schema violation", func(t *testing.T) {
		_, err := h.Call(context.Background(), json.RawMessage(`{"limit":5}`))
		require.Error(t, err)
		assert.True(t, IsInvalidArguments(err))

		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, Ident("search"), terr.Tool)
		assert.Contains(t, terr.Message(), "rejected the arguments")
		assert.Contains(t, terr.Message(), "Retry with arguments")
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := h.Call(context.Background(), json.RawMessage(`{"q":"go","verbose":true}`))
		require.Error(t, err)
		assert.True(t, IsInvalidArguments(err))
	})
}

func TestCallEmptyArgsDefaultToObject(t *testing.T) {
	h, err := New(Options{
		Name:        "now",
		Description: "Current time.",
		Schema:      []byte(`{"type":"object","additionalProperties":false}`),
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "2026-08-25", nil
		},
	})
	require.NoError(t, err)

	out, err := h.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25", out)
}

func TestCallWrapsExecutionErrors(t *testing.T) {
	boom := errors.New("upstream 503")
	h := newSearchTool(t, func(context.Context, json.RawMessage) (string, error) {
		return "", boom
	})

	_, err := h.Call(context.Background(), json.RawMessage(`{"q":"go"}`))
	require.Error(t, err)
	assert.Equal(t, KindExecution, KindOf(err))
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsInvalidArguments(err))
}

func TestCallPreservesToolErrors(t *testing.T) {
	typed := &Error{Tool: "search", Kind: KindUnavailable, Err: errors.New("connection refused")}
	h := newSearchTool(t, func(context.Context, json.RawMessage) (string, error) {
		return "", typed
	})

	_, err := h.Call(context.Background(), json.RawMessage(`{"q":"go"}`))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindUnavailable, terr.Kind)
}

func TestSetNamesSorted(t *testing.T) {
	run := func(context.Context, json.RawMessage) (string, error) { return "", nil }
	set := Set{}
	for _, name := range []Ident{"zeta", "alpha", "mid"} {
		h, err := New(Options{Name: name, Description: "d", Schema: []byte(`{}`), Run: run})
		require.NoError(t, err)
		set[name] = h
	}

	assert.Equal(t, []Ident{"alpha", "mid", "zeta"}, set.Names())

	h, ok := set.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, Ident("alpha"), h.Name())

	_, ok = set.Get("missing")
	assert.False(t, ok)
}
