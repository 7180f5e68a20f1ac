// Package stream provides abstractions for delivering live workflow execution
// updates to clients. Stream events differ from hook events: stream events are
// client-facing progress updates (node activity, message routing, the final
// result) carried as wire-friendly payloads, while hook events provide full
// internal observability including store row identifiers and replay artifacts.
//
// The Subscriber in this package bridges hook events into stream events,
// dropping internal detail and transforming runtime state into payloads
// suitable for Server-Sent Events, WebSockets, or message buses like Pulse.
//
// All event types implement the Event interface and can be safely sent
// concurrently through a Sink implementation. Implementations are responsible
// for marshaling events into their wire format (JSON, protobuf, etc.).
package stream

import (
	"context"
	"encoding/json"
)

type (
	// Sink delivers streaming updates to clients over a transport (SSE,
	// WebSocket, Pulse). Implementations must be thread-safe: parallel
	// branches of one invocation complete concurrently and their events may
	// be sent from multiple goroutines.
	Sink interface {
		// Send publishes an event to the sink's underlying transport. The
		// implementation is responsible for marshaling the event into the
		// wire format and handling transport-specific delivery semantics
		// (retry, buffering, backpressure).
		//
		// Send should return an error if delivery fails (connection closed,
		// serialization error, transport unavailable). The Subscriber
		// propagates Send errors to the hook bus, which stops event delivery
		// to remaining subscribers, ensuring streaming failures surface
		// immediately rather than silently dropping events.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink (connections, buffers,
		// background goroutines). After Close returns, subsequent Send calls
		// must return errors.
		//
		// Close is idempotent. The context bounds graceful shutdown; if it
		// expires before shutdown completes, implementations should abort,
		// potentially dropping unflushed events.
		Close(ctx context.Context) error
	}

	// Event describes a streaming event delivered to clients through a Sink.
	// All concrete event types embed Base to provide standard metadata
	// (type, invocation ID, payload). Sinks use the Event interface to
	// marshal events generically; consumers can type-assert to concrete
	// types when they need structured field access.
	//
	// Implementations are immutable after construction and safe to send
	// concurrently.
	Event interface {
		// Type returns the event type constant (e.g., EventNodeCompleted).
		// Consumers use this to filter events by category or route to
		// type-specific handlers without performing type assertions.
		Type() EventType

		// InvocationID returns the workflow invocation that produced this
		// event. All events within a single invocation share the same ID,
		// enabling clients to filter or group events when a single Sink
		// multiplexes several concurrent invocations.
		InvocationID() string

		// Payload returns the event-specific data in a JSON-serializable
		// form. Sinks use this for generic marshaling when they don't need
		// typed access; consumers that need structured access should
		// type-assert the Event itself and read the Data field.
		Payload() any
	}

	// InvocationStarted announces that a workflow invocation began executing.
	// It is the first event of every invocation stream.
	InvocationStarted struct {
		Base
		Data InvocationStartedPayload
	}

	// InvocationStartedPayload is the wire payload for InvocationStarted.
	InvocationStartedPayload struct {
		// VersionID names the workflow version being executed.
		VersionID string `json:"version_id"`
		// Input is the workflow input payload handed to the entry node.
		Input json.RawMessage `json:"input,omitempty"`
	}

	// NodeStarted announces that a node invocation began, before any model
	// call is made. Clients use these events to render per-node activity
	// indicators while the pipeline runs.
	NodeStarted struct {
		Base
		Data NodeStartedPayload
	}

	// NodeStartedPayload is the wire payload for NodeStarted.
	NodeStartedPayload struct {
		// NodeID names the graph node being invoked.
		NodeID string `json:"node_id"`
		// NodeInvocationID identifies this attempt of the node.
		NodeInvocationID string `json:"node_invocation_id"`
		// Model names the provider model the node will call, when pinned.
		Model string `json:"model,omitempty"`
		// AttemptNo counts delivery attempts, starting at 1.
		AttemptNo int `json:"attempt_no"`
	}

	// NodeCompleted announces that a node invocation reached a terminal
	// state, whether completed or failed.
	NodeCompleted struct {
		Base
		Data NodeCompletedPayload
	}

	// NodeCompletedPayload is the wire payload for NodeCompleted.
	NodeCompletedPayload struct {
		// NodeID names the graph node that finished.
		NodeID string `json:"node_id"`
		// NodeInvocationID identifies this attempt of the node.
		NodeInvocationID string `json:"node_invocation_id"`
		// Status is the terminal node status ("completed" or "failed").
		Status string `json:"status"`
		// Strategy names the pipeline strategy that ran the node.
		Strategy string `json:"strategy,omitempty"`
		// Summary is the short terminate summary produced by the node.
		Summary string `json:"summary,omitempty"`
		// CostUSD is the spend attributed to the node invocation.
		CostUSD float64 `json:"cost_usd"`
		// Steps counts the reasoning trace steps the node recorded.
		Steps int `json:"steps"`
		// Error is the short failure reason. Empty on success.
		Error string `json:"error,omitempty"`
	}

	// MessageRouted announces that the executor delivered a message between
	// two nodes. The sequence of these events reconstructs the hand-off path
	// of the invocation as it happens.
	MessageRouted struct {
		Base
		Data MessageRoutedPayload
	}

	// MessageRoutedPayload is the wire payload for MessageRouted.
	MessageRoutedPayload struct {
		// FromNodeID names the sender, "start" for the seed message.
		FromNodeID string `json:"from_node_id"`
		// ToNodeID names the recipient, "end" for the terminal sentinel.
		ToNodeID string `json:"to_node_id"`
		// Seq is the monotonic message position within the invocation.
		Seq int `json:"seq"`
		// Role classifies the delivery (sequential, result, aggregated).
		Role string `json:"role"`
	}

	// MemoryCommitted announces that a node's proposed memory delta was
	// committed as a new node version.
	MemoryCommitted struct {
		Base
		Data MemoryCommittedPayload
	}

	// MemoryCommittedPayload is the wire payload for MemoryCommitted.
	MemoryCommittedPayload struct {
		// NodeID names the node whose memory changed.
		NodeID string `json:"node_id"`
		// NodeVersionID identifies the new node version row.
		NodeVersionID string `json:"node_version_id"`
		// Version is the bump counter assigned to the new version.
		Version int `json:"version"`
		// Keys counts the entries in the committed memory mapping.
		Keys int `json:"keys"`
	}

	// InvocationCompleted announces that a workflow invocation reached a
	// terminal state. It carries the final output and the total spend.
	InvocationCompleted struct {
		Base
		Data InvocationCompletedPayload
	}

	// InvocationCompletedPayload is the wire payload for InvocationCompleted.
	InvocationCompletedPayload struct {
		// Status is the terminal invocation status ("completed" or "failed").
		Status string `json:"status"`
		// Output is the final workflow output collected at the end sentinel.
		// Empty on failures that never reached it.
		Output string `json:"output,omitempty"`
		// CostUSD is the total spend of the invocation.
		CostUSD float64 `json:"cost_usd"`
		// Nodes counts the node invocations executed.
		Nodes int `json:"nodes"`
		// Error is the short failure reason. Empty on success.
		Error string `json:"error,omitempty"`
	}

	// StreamEnd is an explicit stream boundary marker for an invocation.
	//
	// Contract:
	//   - For a given invocation, StreamEnd is emitted after all
	//     stream-visible events so consumers can terminate without timers.
	//   - It is emitted regardless of the active Profile: even a consumer
	//     that filters everything else still needs the boundary.
	StreamEnd struct {
		Base
		Data StreamEndPayload
	}

	// StreamEndPayload is the typed wire payload for StreamEnd. It is
	// intentionally empty: the invocation ID is carried on the envelope.
	StreamEndPayload struct{}

	// Base provides a default implementation of Event. Embed this struct in
	// concrete event types to inherit the Type(), InvocationID(), and
	// Payload() methods.
	//
	// Field names are abbreviated to minimize visual clutter when
	// constructing events, since Base fields are rarely accessed directly
	// (consumers use the interface methods or type-assert to concrete types
	// for their specific fields).
	Base struct {
		// t is the event type constant (e.g., EventNodeCompleted).
		t EventType
		// inv is the workflow invocation that produced this event.
		inv string
		// p is the JSON-serializable payload returned by Payload(). Sinks
		// marshal this value when publishing events.
		p any
	}

	// Profile describes which event kinds are forwarded for a particular
	// audience. Profiles are applied by the Subscriber when mapping hook
	// events to stream events; the StreamEnd boundary marker bypasses them.
	Profile struct {
		// Lifecycle controls invocation_started and invocation_completed.
		Lifecycle bool
		// Nodes controls node_started and node_completed.
		Nodes bool
		// Messages controls message_routed.
		Messages bool
		// Memory controls memory_committed.
		Memory bool
	}
)

// DefaultProfile returns a Profile that forwards every event kind. It is the
// right choice for trace viewers and debugging UIs that render the full
// invocation as it unfolds.
func DefaultProfile() Profile {
	return Profile{
		Lifecycle: true,
		Nodes:     true,
		Messages:  true,
		Memory:    true,
	}
}

// MetricsProfile returns a Profile that forwards only invocation lifecycle
// events, suitable for metrics and billing pipelines that care about terminal
// status, node counts, and spend but not per-node progress.
func MetricsProfile() Profile {
	return Profile{Lifecycle: true}
}

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventInvocationStarted announces the start of an invocation stream.
	EventInvocationStarted EventType = "invocation_started"

	// EventNodeStarted announces that a node invocation began.
	EventNodeStarted EventType = "node_started"

	// EventNodeCompleted announces a terminal node invocation. The payload
	// carries the status, strategy, summary, spend, and failure reason.
	EventNodeCompleted EventType = "node_completed"

	// EventMessageRouted announces a message delivery between two nodes.
	EventMessageRouted EventType = "message_routed"

	// EventMemoryCommitted announces a committed node memory delta.
	EventMemoryCommitted EventType = "memory_committed"

	// EventInvocationCompleted announces the terminal invocation state with
	// the final output and total spend.
	EventInvocationCompleted EventType = "invocation_completed"

	// EventStreamEnd marks the end of stream-visible events for an
	// invocation.
	EventStreamEnd EventType = "stream_end"
)

// NewBase constructs a Base event with the given type, invocation ID, and
// payload.
func NewBase(t EventType, invocationID string, payload any) Base {
	return Base{t: t, inv: invocationID, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// InvocationID implements Event.InvocationID.
func (e Base) InvocationID() string { return e.inv }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
