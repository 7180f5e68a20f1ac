package stream_test

import (
	"context"
	"fmt"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/stream"
)

// collectSink is a simple in-memory sink used in examples to capture events.
type collectSink struct{ events []stream.Event }

func (s *collectSink) Send(ctx context.Context, e stream.Event) error {
	s.events = append(s.events, e)
	return nil
}
func (s *collectSink) Close(context.Context) error { return nil }

// Example demonstrates attaching a stream sink to the hook bus. The
// subscriber translates hook events into client-facing stream events and
// terminates every invocation stream with an explicit boundary marker.
func Example() {
	ctx := context.Background()
	bus := hooks.NewBus()
	sink := &collectSink{}

	sub, _ := stream.NewSubscriber(sink)
	subscription, _ := bus.Register(sub)
	defer subscription.Close()

	_ = bus.Publish(ctx, hooks.NewInvocationCompletedEvent("inv-1", store.StatusCompleted, `"done"`, 0.01, 1, ""))

	for _, e := range sink.events {
		fmt.Println(e.Type())
	}
	// Output:
	// invocation_completed
	// stream_end
}
