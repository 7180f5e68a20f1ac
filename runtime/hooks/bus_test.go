package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := NewBus()
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Register(SubscriberFunc(func(context.Context, Event) error {
			got = append(got, name)
			return nil
		}))
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), NewInvocationStartedEvent("inv-1", "ver-1", nil)))
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBusStopsAtFirstSubscriberError(t *testing.T) {
	t.Parallel()

	b := NewBus()
	boom := errors.New("sink unavailable")
	var after bool
	_, err := b.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	require.NoError(t, err)
	_, err = b.Register(SubscriberFunc(func(context.Context, Event) error {
		after = true
		return nil
	}))
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewInvocationStartedEvent("inv-1", "ver-1", nil))
	require.ErrorIs(t, err, boom)
	assert.False(t, after, "delivery must stop at the first error")
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewBus()
	var closedHits, liveHits int
	sub, err := b.Register(SubscriberFunc(func(context.Context, Event) error {
		closedHits++
		return nil
	}))
	require.NoError(t, err)
	_, err = b.Register(SubscriberFunc(func(context.Context, Event) error {
		liveHits++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, b.Publish(context.Background(), NewMemoryCommittedEvent("inv-1", "echo", "nv-1", 2, 3)))
	assert.Zero(t, closedHits)
	assert.Equal(t, 1, liveHits)
}

func TestBusRejectsNilSubscriber(t *testing.T) {
	t.Parallel()

	_, err := NewBus().Register(nil)
	require.Error(t, err)
}
