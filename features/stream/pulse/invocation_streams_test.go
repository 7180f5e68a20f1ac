package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
)

func TestInvocationStreamsRequireClient(t *testing.T) {
	t.Parallel()

	_, err := NewInvocationStreams(InvocationStreamsOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestInvocationStreamsSinkLifecycle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{stream: &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event)}}}
	streams, err := NewInvocationStreams(InvocationStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}

func TestInvocationStreamsSubscriberReusesClient(t *testing.T) {
	t.Parallel()

	eventsCh := make(chan *streaming.Event)
	sinkFake := &fakeSink{events: eventsCh}
	client := &fakeClient{stream: &fakeStream{sink: sinkFake}}
	streams, err := NewInvocationStreams(InvocationStreamsOptions{Client: client})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front", Buffer: 1})
	require.NoError(t, err)

	events, errs, stop, err := sub.Subscribe(context.Background(), "run/test")
	require.NoError(t, err)
	require.Equal(t, "run/test", client.lastStream)

	close(eventsCh)
	stop()

	select {
	case _, open := <-events:
		require.False(t, open, "expected closed events channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for events close")
	}
	select {
	case _, open := <-errs:
		require.False(t, open, "expected closed errs channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for errs close")
	}
	require.True(t, sinkFake.closed)
}
