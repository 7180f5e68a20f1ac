package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/stream"
)

// InvocationStreams wires a caller-provided Pulse client into loom's
// streaming layer. It owns a publishing sink (handed to a stream.Subscriber
// on the hook bus) and can spawn subscribers that reuse the same client so
// services do not need to manage multiple Pulse connections.
type InvocationStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// InvocationStreamsOptions configures the helper returned by
// NewInvocationStreams.
type InvocationStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// It is required and typically built via
	// features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewInvocationStreams constructs helpers for publishing invocation events to
// Pulse and subscribing to the resulting streams. Callers wrap the returned
// sink in a stream.Subscriber, register it on the hook bus, and keep the
// helper around to create consumers (e.g., SSE fan-out) later on.
func NewInvocationStreams(opts InvocationStreamsOptions) (*InvocationStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &InvocationStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can hand it to a
// stream.Subscriber.
func (r *InvocationStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps stream publishing and consumption on the same Redis
// connection pool.
func (r *InvocationStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have been
// canceled.
func (r *InvocationStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
