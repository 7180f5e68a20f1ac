package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/store"
)

type mockSink struct {
	events []Event
	err    error
}

func (m *mockSink) Send(ctx context.Context, evt Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *mockSink) Close(ctx context.Context) error { return nil }

func TestNewSubscriberRequiresSink(t *testing.T) {
	t.Parallel()

	_, err := NewSubscriber(nil)
	require.EqualError(t, err, "stream sink is required")
}

func TestSubscriberTranslatesInvocationStarted(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriber(sink)
	require.NoError(t, err)

	input := json.RawMessage(`{"question":"why"}`)
	evt := hooks.NewInvocationStartedEvent("inv-1", "ver-1", input)
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	require.Len(t, sink.events, 1)
	require.Equal(t, EventInvocationStarted, sink.events[0].Type())
	assert.Equal(t, "inv-1", sink.events[0].InvocationID())
	started, ok := sink.events[0].(InvocationStarted)
	require.True(t, ok)
	assert.Equal(t, "ver-1", started.Data.VersionID)
	assert.JSONEq(t, `{"question":"why"}`, string(started.Data.Input))
}

func TestSubscriberTranslatesNodeCompleted(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriber(sink)
	require.NoError(t, err)

	evt := hooks.NewNodeCompletedEvent("inv-1", "writer", "ni-7", store.NodeFailed, "single_call", "", 0.0125, 3, "ai_provider_error")
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	require.Len(t, sink.events, 1)
	done, ok := sink.events[0].(NodeCompleted)
	require.True(t, ok)
	assert.Equal(t, "writer", done.Data.NodeID)
	assert.Equal(t, "ni-7", done.Data.NodeInvocationID)
	assert.Equal(t, "failed", done.Data.Status)
	assert.Equal(t, "single_call", done.Data.Strategy)
	assert.InDelta(t, 0.0125, done.Data.CostUSD, 1e-9)
	assert.Equal(t, 3, done.Data.Steps)
	assert.Equal(t, "ai_provider_error", done.Data.Error)
}

func TestSubscriberTranslatesMessageRouted(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriber(sink)
	require.NoError(t, err)

	evt := hooks.NewMessageRoutedEvent("inv-1", "classifier", "responder", 2, store.RoleSequential)
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	require.Len(t, sink.events, 1)
	routed, ok := sink.events[0].(MessageRouted)
	require.True(t, ok)
	assert.Equal(t, "classifier", routed.Data.FromNodeID)
	assert.Equal(t, "responder", routed.Data.ToNodeID)
	assert.Equal(t, 2, routed.Data.Seq)
	assert.Equal(t, "sequential", routed.Data.Role)
}

func TestSubscriberTranslatesMemoryCommitted(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriber(sink)
	require.NoError(t, err)

	evt := hooks.NewMemoryCommittedEvent("inv-1", "writer", "nv-ver-1-writer-2", 2, 4)
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	require.Len(t, sink.events, 1)
	committed, ok := sink.events[0].(MemoryCommitted)
	require.True(t, ok)
	assert.Equal(t, "writer", committed.Data.NodeID)
	assert.Equal(t, "nv-ver-1-writer-2", committed.Data.NodeVersionID)
	assert.Equal(t, 2, committed.Data.Version)
	assert.Equal(t, 4, committed.Data.Keys)
}

func TestSubscriberEmitsStreamEndAfterInvocationCompleted(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriber(sink)
	require.NoError(t, err)

	evt := hooks.NewInvocationCompletedEvent("inv-1", store.StatusCompleted, `"done"`, 0.03, 2, "")
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	require.Len(t, sink.events, 2)
	completed, ok := sink.events[0].(InvocationCompleted)
	require.True(t, ok)
	assert.Equal(t, "completed", completed.Data.Status)
	assert.Equal(t, `"done"`, completed.Data.Output)
	assert.InDelta(t, 0.03, completed.Data.CostUSD, 1e-9)
	assert.Equal(t, 2, completed.Data.Nodes)

	require.Equal(t, EventStreamEnd, sink.events[1].Type())
	assert.Equal(t, "inv-1", sink.events[1].InvocationID())
}

func TestSubscriberProfileFiltersButKeepsBoundary(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriberWithProfile(sink, MetricsProfile())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sub.HandleEvent(ctx, hooks.NewNodeStartedEvent("inv-1", "writer", "ni-1", "", 1)))
	require.NoError(t, sub.HandleEvent(ctx, hooks.NewMessageRoutedEvent("inv-1", "start", "writer", 1, store.RoleSequential)))
	require.NoError(t, sub.HandleEvent(ctx, hooks.NewMemoryCommittedEvent("inv-1", "writer", "nv-1", 1, 1)))
	require.Empty(t, sink.events)

	require.NoError(t, sub.HandleEvent(ctx, hooks.NewInvocationCompletedEvent("inv-1", store.StatusFailed, "", 0.01, 1, "timeout")))
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventInvocationCompleted, sink.events[0].Type())
	assert.Equal(t, EventStreamEnd, sink.events[1].Type())
}

func TestSubscriberStreamEndSurvivesLifecycleFilter(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	sub, err := NewSubscriberWithProfile(sink, Profile{Nodes: true})
	require.NoError(t, err)

	evt := hooks.NewInvocationCompletedEvent("inv-1", store.StatusCompleted, `"out"`, 0, 1, "")
	require.NoError(t, sub.HandleEvent(context.Background(), evt))

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventStreamEnd, sink.events[0].Type())
}

func TestSubscriberPropagatesSinkError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection closed")
	sub, err := NewSubscriber(&mockSink{err: boom})
	require.NoError(t, err)

	err = sub.HandleEvent(context.Background(), hooks.NewNodeStartedEvent("inv-1", "writer", "ni-1", "gpt-4o", 1))
	require.ErrorIs(t, err, boom)
}
