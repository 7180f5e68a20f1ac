package stream

import (
	"context"
	"errors"

	"goa.design/loom/runtime/hooks"
)

type (
	// Subscriber receives hook events and forwards them to a stream.Sink,
	// such as a WebSocket, SSE connection, or message bus. It acts as a
	// bridge between the internal event bus and an external stream client.
	//
	// Only the sink actually "sends" messages; the subscriber listens for
	// incoming events, translates those the active Profile admits, and hands
	// them off to the sink using its Send method.
	//
	// Hook events map onto stream events one-to-one:
	//   - InvocationStartedEvent   → EventInvocationStarted
	//   - NodeStartedEvent         → EventNodeStarted
	//   - NodeCompletedEvent       → EventNodeCompleted
	//   - MessageRoutedEvent       → EventMessageRouted
	//   - MemoryCommittedEvent     → EventMemoryCommitted
	//   - InvocationCompletedEvent → EventInvocationCompleted + EventStreamEnd
	//
	// The StreamEnd boundary marker always follows InvocationCompleted so
	// consumers know when to stop reading, even under a Profile that filters
	// lifecycle events out.
	Subscriber struct {
		sink    Sink
		profile Profile
	}
)

// NewSubscriber constructs a subscriber that forwards hook events to the
// provided stream sink using DefaultProfile. The sink is typically backed by
// a message bus like Pulse or a direct WebSocket/SSE connection.
//
// NewSubscriber returns an error if sink is nil.
//
// Example:
//
//	sub, err := stream.NewSubscriber(sink)
//	if err != nil {
//	    return err
//	}
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
func NewSubscriber(sink Sink) (*Subscriber, error) {
	return NewSubscriberWithProfile(sink, DefaultProfile())
}

// NewSubscriberWithProfile constructs a subscriber that forwards only the
// event kinds the given profile admits. The StreamEnd boundary marker is
// exempt from filtering.
func NewSubscriberWithProfile(sink Sink, profile Profile) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	return &Subscriber{sink: sink, profile: profile}, nil
}

// HandleEvent implements hooks.Subscriber by translating hook events into
// stream events and forwarding them to the configured sink.
//
// If the sink returns an error, HandleEvent propagates it to the bus, which
// stops event delivery to remaining subscribers. This fail-fast behavior
// ensures that streaming failures are visible to the runtime.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	switch evt := event.(type) {
	case *hooks.InvocationStartedEvent:
		if !s.profile.Lifecycle {
			return nil
		}
		payload := InvocationStartedPayload{
			VersionID: evt.VersionID,
			Input:     evt.Input,
		}
		return s.sink.Send(ctx, InvocationStarted{
			Base: Base{t: EventInvocationStarted, inv: evt.InvocationID(), p: payload},
			Data: payload,
		})
	case *hooks.NodeStartedEvent:
		if !s.profile.Nodes {
			return nil
		}
		payload := NodeStartedPayload{
			NodeID:           evt.NodeID(),
			NodeInvocationID: evt.NodeInvocationID,
			Model:            evt.Model,
			AttemptNo:        evt.AttemptNo,
		}
		return s.sink.Send(ctx, NodeStarted{
			Base: Base{t: EventNodeStarted, inv: evt.InvocationID(), p: payload},
			Data: payload,
		})
	case *hooks.NodeCompletedEvent:
		if !s.profile.Nodes {
			return nil
		}
		payload := NodeCompletedPayload{
			NodeID:           evt.NodeID(),
			NodeInvocationID: evt.NodeInvocationID,
			Status:           string(evt.Status),
			Strategy:         evt.Strategy,
			Summary:          evt.Summary,
			CostUSD:          evt.Cost,
			Steps:            evt.Steps,
			Error:            evt.Error,
		}
		return s.sink.Send(ctx, NodeCompleted{
			Base: Base{t: EventNodeCompleted, inv: evt.InvocationID(), p: payload},
			Data: payload,
		})
	case *hooks.MessageRoutedEvent:
		if !s.profile.Messages {
			return nil
		}
		payload := MessageRoutedPayload{
			FromNodeID: evt.FromNodeID,
			ToNodeID:   evt.ToNodeID,
			Seq:        evt.Seq,
			Role:       string(evt.Role),
		}
		return s.sink.Send(ctx, MessageRouted{
			Base: Base{t: EventMessageRouted, inv: evt.InvocationID(), p: payload},
			Data: payload,
		})
	case *hooks.MemoryCommittedEvent:
		if !s.profile.Memory {
			return nil
		}
		payload := MemoryCommittedPayload{
			NodeID:        evt.NodeID(),
			NodeVersionID: evt.NodeVersionID,
			Version:       evt.Version,
			Keys:          evt.Keys,
		}
		return s.sink.Send(ctx, MemoryCommitted{
			Base: Base{t: EventMemoryCommitted, inv: evt.InvocationID(), p: payload},
			Data: payload,
		})
	case *hooks.InvocationCompletedEvent:
		if s.profile.Lifecycle {
			payload := InvocationCompletedPayload{
				Status:  string(evt.Status),
				Output:  evt.Output,
				CostUSD: evt.Cost,
				Nodes:   evt.Nodes,
				Error:   evt.Error,
			}
			if err := s.sink.Send(ctx, InvocationCompleted{
				Base: Base{t: EventInvocationCompleted, inv: evt.InvocationID(), p: payload},
				Data: payload,
			}); err != nil {
				return err
			}
		}
		return s.sink.Send(ctx, StreamEnd{
			Base: Base{t: EventStreamEnd, inv: evt.InvocationID(), p: StreamEndPayload{}},
			Data: StreamEndPayload{},
		})
	default:
		return nil
	}
}
