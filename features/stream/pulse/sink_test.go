package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/stream"
)

type fakeClient struct {
	stream     *fakeStream
	streamErr  error
	closeCount int
	lastStream string
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	f.lastStream = name
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCount++
	return nil
}

type addedEvent struct {
	event   string
	payload []byte
}

type fakeStream struct {
	sink      *fakeSink
	lastSink  string
	added     []addedEvent
	addErr    error
	destroyed bool
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, addedEvent{event: event, payload: payload})
	return "0-0", nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	return f.sink, nil
}

func (f *fakeStream) Destroy(ctx context.Context) error {
	f.destroyed = true
	return nil
}

type fakeSink struct {
	events chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }

func TestSinkRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestSinkPublishesEnvelope(t *testing.T) {
	t.Parallel()

	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	payload := stream.NodeCompletedPayload{
		NodeID:           "writer",
		NodeInvocationID: "ni-3",
		Status:           "completed",
		CostUSD:          0.002,
		Steps:            2,
	}
	evt := stream.NodeCompleted{
		Base: stream.NewBase(stream.EventNodeCompleted, "inv-42", payload),
		Data: payload,
	}
	require.NoError(t, sink.Send(context.Background(), evt))

	assert.Equal(t, "run/inv-42", client.lastStream)
	require.Len(t, client.stream.added, 1)
	assert.Equal(t, "node_completed", client.stream.added[0].event)

	var env struct {
		Type         string                      `json:"type"`
		InvocationID string                      `json:"invocation_id"`
		Timestamp    time.Time                   `json:"timestamp"`
		Payload      stream.NodeCompletedPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(client.stream.added[0].payload, &env))
	assert.Equal(t, "node_completed", env.Type)
	assert.Equal(t, "inv-42", env.InvocationID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, "writer", env.Payload.NodeID)
	assert.Equal(t, "ni-3", env.Payload.NodeInvocationID)
	assert.InDelta(t, 0.002, env.Payload.CostUSD, 1e-9)
}

func TestSinkEnvelopeDecodesBackIntoEvent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	payload := stream.MessageRoutedPayload{FromNodeID: "a", ToNodeID: "b", Seq: 3, Role: "sequential"}
	evt := stream.MessageRouted{
		Base: stream.NewBase(stream.EventMessageRouted, "inv-7", payload),
		Data: payload,
	}
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Len(t, client.stream.added, 1)

	decoded, err := decodeEnvelope(client.stream.added[0].payload)
	require.NoError(t, err)
	assert.Equal(t, stream.EventMessageRouted, decoded.Type())
	assert.Equal(t, "inv-7", decoded.InvocationID())

	var got stream.MessageRoutedPayload
	require.NoError(t, json.Unmarshal(decoded.Payload().(json.RawMessage), &got))
	assert.Equal(t, payload, got)
}

func TestSinkRejectsEventWithoutInvocation(t *testing.T) {
	t.Parallel()

	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	evt := stream.StreamEnd{Base: stream.NewBase(stream.EventStreamEnd, "", stream.StreamEndPayload{})}
	err = sink.Send(context.Background(), evt)
	require.EqualError(t, err, "stream event missing invocation id")
	assert.Empty(t, client.stream.added)
}

func TestSinkCustomStreamID(t *testing.T) {
	t.Parallel()

	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client:   client,
		StreamID: func(stream.Event) (string, error) { return "tenant-a/runs", nil },
	})
	require.NoError(t, err)

	evt := stream.StreamEnd{Base: stream.NewBase(stream.EventStreamEnd, "inv-1", stream.StreamEndPayload{})}
	require.NoError(t, sink.Send(context.Background(), evt))
	assert.Equal(t, "tenant-a/runs", client.lastStream)
}

func TestSinkMarshalErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("marshal failed")
	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{
		Client:          client,
		MarshalEnvelope: func(envelope) ([]byte, error) { return nil, boom },
	})
	require.NoError(t, err)

	evt := stream.StreamEnd{Base: stream.NewBase(stream.EventStreamEnd, "inv-1", stream.StreamEndPayload{})}
	require.ErrorIs(t, sink.Send(context.Background(), evt), boom)
	assert.Empty(t, client.stream.added)
}

func TestSinkAddErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("redis down")
	client := &fakeClient{stream: &fakeStream{addErr: boom}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	evt := stream.StreamEnd{Base: stream.NewBase(stream.EventStreamEnd, "inv-1", stream.StreamEndPayload{})}
	require.ErrorIs(t, sink.Send(context.Background(), evt), boom)
}

func TestSinkCloseDelegatesToClient(t *testing.T) {
	t.Parallel()

	client := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, 1, client.closeCount)
}
