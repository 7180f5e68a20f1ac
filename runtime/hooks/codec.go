package hooks

import (
	"encoding/json"
	"fmt"
)

// ActivityInput is the wire envelope for a hook event emitted from workflow
// code and published by the hook activity. Payload carries the event-specific
// fields as JSON; the envelope carries the identity fields shared by every
// event so the concrete type can be reconstructed on the activity side.
type ActivityInput struct {
	// Type identifies the event variant.
	Type EventType

	// InvocationID identifies the workflow invocation that owns the event.
	InvocationID string

	// NodeID identifies the owning node. Empty for invocation-level events.
	NodeID string

	// Timestamp is the Unix millisecond timestamp the event was created at.
	Timestamp int64

	// Payload holds the event-specific fields encoded as JSON.
	Payload json.RawMessage
}

// EncodeActivityInput wraps a hook event in its wire envelope.
func EncodeActivityInput(evt Event) (*ActivityInput, error) {
	if evt == nil {
		return nil, fmt.Errorf("hook event is required")
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal hook event payload %q: %w", evt.Type(), err)
	}
	return &ActivityInput{
		Type:         evt.Type(),
		InvocationID: evt.InvocationID(),
		NodeID:       evt.NodeID(),
		Timestamp:    evt.Timestamp(),
		Payload:      b,
	}, nil
}

// DecodeActivityInput reconstructs the typed hook event from its wire
// envelope. Unknown event types are an error so transport drift is caught at
// the boundary instead of surfacing as silently dropped events.
func DecodeActivityInput(input *ActivityInput) (Event, error) {
	if input == nil {
		return nil, fmt.Errorf("hook activity input is required")
	}

	var evt Event
	switch input.Type {
	case InvocationStarted:
		var p InvocationStartedEvent
		if err := decodePayload(input, &p); err != nil {
			return nil, err
		}
		p.baseEvent = inputBase(input)
		evt = &p

	case NodeStarted:
		var p NodeStartedEvent
		if err := decodePayload(input, &p); err != nil {
			return nil, err
		}
		p.baseEvent = inputBase(input)
		evt = &p

	case NodeCompleted:
		var p NodeCompletedEvent
		if err := decodePayload(input, &p); err != nil {
			return nil, err
		}
		p.baseEvent = inputBase(input)
		evt = &p

	case MessageRouted:
		var p MessageRoutedEvent
		if err := decodePayload(input, &p); err != nil {
			return nil, err
		}
		p.baseEvent = inputBase(input)
		evt = &p

	case MemoryCommitted:
		var p MemoryCommittedEvent
		if err := decodePayload(input, &p); err != nil {
			return nil, err
		}
		p.baseEvent = inputBase(input)
		evt = &p

	case InvocationCompleted:
		var p InvocationCompletedEvent
		if err := decodePayload(input, &p); err != nil {
			return nil, err
		}
		p.baseEvent = inputBase(input)
		evt = &p

	default:
		return nil, fmt.Errorf("unsupported hook event type %q", input.Type)
	}
	return evt, nil
}

func decodePayload(input *ActivityInput, dst any) error {
	if len(input.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(input.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", input.Type, err)
	}
	return nil
}

func inputBase(input *ActivityInput) baseEvent {
	return baseEvent{
		eventType:    input.Type,
		invocationID: input.InvocationID,
		nodeID:       input.NodeID,
		timestamp:    input.Timestamp,
	}
}
