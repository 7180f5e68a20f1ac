// Package hooks publishes runtime lifecycle events to registered subscribers.
// The executor emits an event when an invocation starts, when a node starts
// and completes, when a message is routed, when node memory is committed and
// when the invocation reaches a terminal state. Subscribers (streaming sinks,
// audit logs) receive the typed events through a Bus.
package hooks

import (
	"encoding/json"
	"time"

	"goa.design/loom/runtime/store"
)

// EventType identifies a hook event variant.
type EventType string

const (
	// InvocationStarted fires when a workflow invocation begins executing.
	InvocationStarted EventType = "invocation_started"
	// NodeStarted fires when a node invocation begins.
	NodeStarted EventType = "node_started"
	// NodeCompleted fires when a node invocation reaches a terminal state.
	NodeCompleted EventType = "node_completed"
	// MessageRouted fires when the executor persists and enqueues a message.
	MessageRouted EventType = "message_routed"
	// MemoryCommitted fires when a node's proposed memory delta is committed
	// as a new node version.
	MemoryCommitted EventType = "memory_committed"
	// InvocationCompleted fires when a workflow invocation reaches a terminal
	// state.
	InvocationCompleted EventType = "invocation_completed"
)

type (
	// Event is implemented by every hook event. Subscribers type-switch on the
	// concrete event to access variant-specific fields:
	//
	//	func (s *sink) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.NodeCompletedEvent:
	//	        log.Printf("node %s: %s", e.NodeID(), e.Status)
	//	    case *hooks.MessageRoutedEvent:
	//	        log.Printf("%s -> %s seq %d", e.FromNodeID, e.ToNodeID, e.Seq)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event variant constant.
		Type() EventType
		// InvocationID returns the workflow invocation that produced the
		// event. Every event of one run carries the same id.
		InvocationID() string
		// NodeID returns the node the event belongs to. Empty for
		// invocation-level events.
		NodeID() string
		// Timestamp returns the Unix timestamp in milliseconds at which the
		// event was created.
		Timestamp() int64
	}

	baseEvent struct {
		eventType    EventType
		invocationID string
		nodeID       string
		timestamp    int64
	}

	// InvocationStartedEvent fires when a workflow invocation begins.
	InvocationStartedEvent struct {
		baseEvent
		// VersionID names the workflow version being executed.
		VersionID string
		// Input is the workflow input payload handed to the entry node.
		Input json.RawMessage
	}

	// NodeStartedEvent fires when a node invocation begins, before any model
	// call is made.
	NodeStartedEvent struct {
		baseEvent
		// NodeInvocationID identifies the node invocation row.
		NodeInvocationID string
		// Model names the provider model the node will call. Empty when the
		// node resolves the runtime default.
		Model string
		// AttemptNo counts delivery attempts, starting at 1.
		AttemptNo int
	}

	// NodeCompletedEvent fires when a node invocation reaches a terminal
	// state, whether completed or failed.
	NodeCompletedEvent struct {
		baseEvent
		// NodeInvocationID identifies the node invocation row.
		NodeInvocationID string
		// Status is the terminal node status.
		Status store.NodeStatus
		// Strategy names the pipeline strategy that ran the node.
		Strategy string
		// Summary is the short terminate summary.
		Summary string
		// Cost is the USD spend attributed to the node invocation.
		Cost float64
		// Steps counts the trace steps recorded during the invocation.
		Steps int
		// Error is the short failure reason. Empty on success.
		Error string
	}

	// MessageRoutedEvent fires when the executor persists a routed message.
	// The envelope NodeID carries the sender.
	MessageRoutedEvent struct {
		baseEvent
		// FromNodeID names the sender, "start" for the seed message.
		FromNodeID string
		// ToNodeID names the recipient, "end" for the terminal sentinel.
		ToNodeID string
		// Seq is the monotonic message position within the invocation.
		Seq int
		// Role classifies the message.
		Role store.MessageRole
	}

	// MemoryCommittedEvent fires when a node's proposed memory delta differs
	// from the stored state and a new node version is written.
	MemoryCommittedEvent struct {
		baseEvent
		// NodeVersionID identifies the new node version row.
		NodeVersionID string
		// Version is the bump counter assigned to the new version.
		Version int
		// Keys counts the entries in the committed memory mapping.
		Keys int
	}

	// InvocationCompletedEvent fires when a workflow invocation reaches a
	// terminal state.
	InvocationCompletedEvent struct {
		baseEvent
		// Status is the terminal invocation status.
		Status store.InvocationStatus
		// Output is the final workflow output collected at the end sentinel.
		// Empty on failures that never reached it.
		Output string
		// Cost is the total USD spend of the invocation.
		Cost float64
		// Nodes counts the node invocations executed.
		Nodes int
		// Error is the short failure reason. Empty on success.
		Error string
	}
)

func (e baseEvent) Type() EventType      { return e.eventType }
func (e baseEvent) InvocationID() string { return e.invocationID }
func (e baseEvent) NodeID() string       { return e.nodeID }
func (e baseEvent) Timestamp() int64     { return e.timestamp }

func newBase(eventType EventType, invocationID, nodeID string) baseEvent {
	return baseEvent{
		eventType:    eventType,
		invocationID: invocationID,
		nodeID:       nodeID,
		timestamp:    time.Now().UnixMilli(),
	}
}

// NewInvocationStartedEvent constructs an InvocationStartedEvent.
func NewInvocationStartedEvent(invocationID, versionID string, input json.RawMessage) *InvocationStartedEvent {
	return &InvocationStartedEvent{
		baseEvent: newBase(InvocationStarted, invocationID, ""),
		VersionID: versionID,
		Input:     input,
	}
}

// NewNodeStartedEvent constructs a NodeStartedEvent.
func NewNodeStartedEvent(invocationID, nodeID, nodeInvocationID, model string, attemptNo int) *NodeStartedEvent {
	return &NodeStartedEvent{
		baseEvent:        newBase(NodeStarted, invocationID, nodeID),
		NodeInvocationID: nodeInvocationID,
		Model:            model,
		AttemptNo:        attemptNo,
	}
}

// NewNodeCompletedEvent constructs a NodeCompletedEvent.
func NewNodeCompletedEvent(invocationID, nodeID, nodeInvocationID string, status store.NodeStatus, strategy, summary string, cost float64, steps int, errReason string) *NodeCompletedEvent {
	return &NodeCompletedEvent{
		baseEvent:        newBase(NodeCompleted, invocationID, nodeID),
		NodeInvocationID: nodeInvocationID,
		Status:           status,
		Strategy:         strategy,
		Summary:          summary,
		Cost:             cost,
		Steps:            steps,
		Error:            errReason,
	}
}

// NewMessageRoutedEvent constructs a MessageRoutedEvent.
func NewMessageRoutedEvent(invocationID, fromNodeID, toNodeID string, seq int, role store.MessageRole) *MessageRoutedEvent {
	return &MessageRoutedEvent{
		baseEvent:  newBase(MessageRouted, invocationID, fromNodeID),
		FromNodeID: fromNodeID,
		ToNodeID:   toNodeID,
		Seq:        seq,
		Role:       role,
	}
}

// NewMemoryCommittedEvent constructs a MemoryCommittedEvent.
func NewMemoryCommittedEvent(invocationID, nodeID, nodeVersionID string, version, keys int) *MemoryCommittedEvent {
	return &MemoryCommittedEvent{
		baseEvent:     newBase(MemoryCommitted, invocationID, nodeID),
		NodeVersionID: nodeVersionID,
		Version:       version,
		Keys:          keys,
	}
}

// NewInvocationCompletedEvent constructs an InvocationCompletedEvent.
func NewInvocationCompletedEvent(invocationID string, status store.InvocationStatus, output string, cost float64, nodes int, errReason string) *InvocationCompletedEvent {
	return &InvocationCompletedEvent{
		baseEvent: newBase(InvocationCompleted, invocationID, ""),
		Status:    status,
		Output:    output,
		Cost:      cost,
		Nodes:     nodes,
		Error:     errReason,
	}
}
