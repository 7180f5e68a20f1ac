// Package api defines the typed payloads that cross the workflow/activity
// boundary of the loom engine. Workflow code hands these to activities and
// receives them back; engine adapters serialize them when the boundary is a
// real process hop (Temporal) and pass them through in memory otherwise.
//
// Every field is either a concrete value or canonical JSON bytes so engine
// data converters can round-trip payloads without rehydrating interface
// values as map[string]any. The one deliberate exception is
// HookActivityInput.Event, which carries its own converter contract.
package api

import (
	"encoding/json"
	"time"

	"goa.design/loom/runtime/handoff"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/workflow"
)

type (
	// RunInput carries everything the invocation workflow needs to run. The
	// graph rides the input so replays see the exact version the run started
	// with even if the stored version row were ever rewritten.
	RunInput struct {
		// InvocationID is the workflow invocation identifier. The runner
		// persists the invocation row in status running before starting the
		// workflow, so the workflow never creates it.
		InvocationID string

		// VersionID names the workflow version being executed.
		VersionID string

		// Graph is the parsed workflow graph the executor walks.
		Graph workflow.Graph

		// Input is the workflow input payload handed to the entry node.
		Input json.RawMessage

		// MainGoal is the workflow-level goal injected into node prompts.
		MainGoal string

		// Files lists workflow files every node may reference.
		Files []string

		// Budget carries the executor caps that shape control flow. They ride
		// the workflow input so replays apply the values the run started with
		// rather than whatever the worker is configured with today.
		Budget Budget
	}

	// Budget bounds one workflow invocation. Zero values mean the executor
	// defaults.
	Budget struct {
		// MaxNodes caps the number of node invocations. Zero means the
		// executor default (64).
		MaxNodes int

		// SpendingCapUSD fails the invocation once accumulated spend
		// reaches it, before the next node starts. Zero means uncapped.
		// The workflow checks it against deterministically accumulated
		// activity costs; the spend tracker enforces the same cap inside
		// node activities.
		SpendingCapUSD float64

		// WallClock bounds the total invocation runtime in workflow time.
		// Zero means unbounded.
		WallClock time.Duration

		// CancelGrace is how long in-flight node activities may keep running
		// after cancellation before their results are discarded. Zero means
		// the executor default (2s).
		CancelGrace time.Duration
	}

	// RunOutput is the terminal result returned by the invocation workflow.
	RunOutput struct {
		// InvocationID echoes the workflow invocation identifier.
		InvocationID string

		// Status is the terminal invocation status.
		Status store.InvocationStatus

		// Output is the final workflow output collected at the end sentinel.
		Output string

		// Cost is the total USD spend across node invocations, hand-off
		// selection and summarization.
		Cost float64

		// Nodes counts the node invocations executed.
		Nodes int

		// Reason is the short failure reason. Empty when Status is completed.
		Reason string
	}

	// NodeActivityInput is the payload of the invoke activity. The activity
	// loads the node's latest committed memory, persists the node start row,
	// runs the pipeline and persists the node end row before returning.
	NodeActivityInput struct {
		// InvocationID names the enclosing workflow invocation.
		InvocationID string

		// VersionID names the workflow version the node belongs to.
		VersionID string

		// Node is the graph configuration of the node to run. Its Memory
		// field holds the DSL seed; the activity overlays the latest
		// committed node version on top.
		Node workflow.NodeConfig

		// Payload is the inbound message content, aggregated when the node
		// joined a parallel fan-out.
		Payload json.RawMessage

		// MainGoal is the workflow-level goal injected into node prompts.
		MainGoal string

		// Files lists workflow files the node may reference.
		Files []string

		// AttemptNo counts delivery attempts for the node, starting at 1.
		AttemptNo int
	}

	// NodeActivityOutput is returned by the invoke activity. Node failures
	// are reported through Error, not through an activity error, so the
	// workflow can keep routing deterministically.
	//
	// The trace and the proposed memory delta never cross this boundary; the
	// activity persists both on the node invocation row before returning.
	NodeActivityOutput struct {
		// NodeInvocationID identifies the persisted node invocation row.
		NodeInvocationID string

		// Output is the node's final output text.
		Output string

		// Summary is the short terminate summary.
		Summary string

		// Strategy names the pipeline strategy that ran the node.
		Strategy string

		// NextIDs lists successor node ids in emit order. Empty on failure.
		NextIDs []string

		// Replies holds one outgoing payload per successor, same order.
		Replies []handoff.Reply

		// Cost is the USD spend of the node invocation including hand-off
		// selection.
		Cost float64

		// Steps counts the trace steps recorded during the invocation.
		Steps int

		// Error is the short failure reason. Empty on success.
		Error string
	}

	// RecordInput asks the record activity to persist a batch of routed
	// messages. The workflow assigns Seq deterministically; message ids and
	// timestamps are assigned inside the activity because they are not
	// replay-safe.
	RecordInput struct {
		// InvocationID names the enclosing workflow invocation.
		InvocationID string

		// Messages lists the outgoing messages in emit order.
		Messages []OutgoingMessage
	}

	// OutgoingMessage is one routed payload before persistence.
	OutgoingMessage struct {
		// FromNodeID names the sender, "start" for the seed message.
		FromNodeID string

		// ToNodeID names the recipient, "end" for the terminal sentinel.
		ToNodeID string

		// Seq is the monotonic position within the invocation, assigned by
		// the workflow at emit time.
		Seq int

		// Role classifies the message.
		Role store.MessageRole

		// Payload is the message content as canonical JSON.
		Payload json.RawMessage

		// OriginInvocationID back-references the node invocation that
		// produced the payload. Empty for the seed message.
		OriginInvocationID string
	}

	// RecordOutput echoes the identifiers assigned to the persisted messages,
	// in input order.
	RecordOutput struct {
		// MsgIDs lists the assigned message identifiers.
		MsgIDs []string
	}

	// FinalizeInput asks the finalize activity to persist the terminal
	// invocation state.
	FinalizeInput struct {
		// InvocationID names the invocation to finalize.
		InvocationID string

		// Status is the terminal invocation status.
		Status store.InvocationStatus

		// Output is the final workflow output. Empty when the run failed
		// before reaching the end sentinel.
		Output string

		// Cost is the accumulated total USD spend.
		Cost float64

		// Nodes counts the node invocations the run started.
		Nodes int

		// Reason is the short failure reason recorded in the invocation
		// extras. Empty on success.
		Reason string
	}

	// HookActivityInput carries a hook event emitted from workflow code to
	// the hook activity, which publishes it on the bus outside the
	// deterministic workflow thread.
	//
	// Contract:
	//   - Event is an interface value. Engine data converters must encode it
	//     with the hooks codec (hooks.EncodeActivityInput) and decode it back
	//     to the concrete event type (hooks.DecodeActivityInput). Default
	//     JSON encoding would flatten the event into a map and subscribers
	//     could no longer type-switch on it.
	//   - In-process engines pass the value through untouched.
	HookActivityInput struct {
		// Event is the typed hook event to publish.
		Event hooks.Event
	}

	// CancelRequest carries the payload of a cancel signal.
	CancelRequest struct {
		// InvocationID names the invocation to cancel.
		InvocationID string

		// Reason describes why the run is being cancelled, for example
		// "user_requested" or "stale_cleanup".
		Reason string

		// RequestedBy identifies the logical actor requesting cancellation.
		RequestedBy string
	}
)

// SignalCancel is the workflow signal name used to cancel an invocation.
const SignalCancel = "loom.runtime.cancel"

// Message converts the outgoing message into a store row for the given
// invocation. The message id and creation time are left for the store layer.
func (m OutgoingMessage) Message(invocationID string) store.Message {
	return store.Message{
		InvocationID:       invocationID,
		FromNodeID:         m.FromNodeID,
		ToNodeID:           m.ToNodeID,
		Seq:                m.Seq,
		Role:               m.Role,
		Payload:            m.Payload,
		OriginInvocationID: m.OriginInvocationID,
	}
}
