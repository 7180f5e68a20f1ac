// Package store defines the persistence port for the loom runtime. It speaks
// only domain nouns: workflows, versions, invocations, node versions, node
// invocations and messages. Implementations map these records onto a concrete
// backend (the in-memory store under store/inmem, MongoDB and Postgres under
// features/store) and must never leak driver types to callers; failures are
// surfaced as *Error values carrying one of the four error kinds.
//
// The port is deliberately narrow. Everything the executor, the runner and the
// read API need goes through the Store interface, and every record is passed
// by value so implementations can retain defensive copies.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/workflow"
)

type (
	// Workflow is the immutable identity of a workflow. Versions hang off it.
	Workflow struct {
		// WorkflowID uniquely identifies the workflow.
		WorkflowID string
		// Description is a human-readable summary of what the workflow does.
		Description string
		// CreatedAt records when the workflow was first seen.
		CreatedAt time.Time
	}

	// Operation records how a workflow version came to be. The evolutionary
	// optimizer produces mutations, crossovers and immigrants; "init" marks a
	// hand-written seed version.
	Operation string

	// Version is one immutable snapshot of a workflow's graph. Versions are
	// append-only; the DSL blob carries its own schema version and is
	// validated when the version is created.
	Version struct {
		// VersionID uniquely identifies the version.
		VersionID string
		// WorkflowID names the workflow this version belongs to.
		WorkflowID string
		// DSL is the workflow graph blob. See the workflow package for the
		// schema it must satisfy.
		DSL json.RawMessage
		// Operation records the provenance of the version.
		Operation Operation
		// CommitMessage is a short description of what changed.
		CommitMessage string
		// GenerationID groups versions produced within one optimizer
		// generation. Empty outside evolutionary runs.
		GenerationID string
		// CreatedAt records when the version was stored.
		CreatedAt time.Time
	}

	// InvocationStatus is the lifecycle state of a workflow invocation.
	InvocationStatus string

	// Invocation is one execution of a workflow version, tracked end-to-end.
	Invocation struct {
		// InvocationID uniquely identifies the invocation ("inv-" prefix).
		InvocationID string
		// VersionID names the workflow version that was executed.
		VersionID string
		// Status is the lifecycle state. Created running; transitions once to
		// a terminal state and never back.
		Status InvocationStatus
		// StartTime records when execution began.
		StartTime time.Time
		// EndTime records when execution reached a terminal state.
		EndTime *time.Time
		// USDCost is the total spend across node invocations, hand-off
		// selection and validation.
		USDCost float64
		// WorkflowInput is the text the entry node received.
		WorkflowInput string
		// WorkflowOutput is the final output collected at the end sentinel.
		WorkflowOutput string
		// Fitness is the opaque scoring payload attached by an external
		// evaluator. Not interpreted by the runtime.
		Fitness *Fitness
		// Accuracy is an integer percentage assigned by an evaluator.
		Accuracy *int
		// FitnessScore is a numeric fitness used for filtering and sorting.
		FitnessScore *float64
		// RunID correlates the invocation with an optimizer run.
		RunID string
		// GenerationID correlates the invocation with an optimizer generation.
		GenerationID string
		// Extras carries implementation metadata such as the failure reason
		// under ExtraError.
		Extras map[string]any
	}

	// InvocationPatch is a partial update applied to an invocation. Nil fields
	// are left untouched; Extras entries are merged key-wise.
	InvocationPatch struct {
		// InvocationID names the invocation to update.
		InvocationID string
		// Status transitions the lifecycle state. Illegal transitions (away
		// from a terminal state) surface as Conflict errors.
		Status *InvocationStatus
		// EndTime sets the terminal timestamp.
		EndTime *time.Time
		// USDCost sets the accumulated total spend.
		USDCost *float64
		// WorkflowOutput sets the final output.
		WorkflowOutput *string
		// Fitness attaches an evaluator payload.
		Fitness *Fitness
		// Accuracy is a percentage; it is rounded to the nearest integer
		// before storage.
		Accuracy *float64
		// FitnessScore sets the numeric fitness.
		FitnessScore *float64
		// RunID sets the optimizer run correlation id.
		RunID *string
		// GenerationID sets the optimizer generation correlation id.
		GenerationID *string
		// Extras entries are merged into the stored map.
		Extras map[string]any
	}

	// NodeVersion is one bump of a node's durable state within a workflow
	// version. The config snapshot carries the node's memory; version
	// integers are assigned atomically per (node, workflow version).
	NodeVersion struct {
		// ID uniquely identifies this bump.
		ID string
		// VersionID names the workflow version the node belongs to.
		VersionID string
		// NodeID names the node within the graph.
		NodeID string
		// Version is the monotonic bump counter, starting at 1.
		Version int
		// Config is the node configuration snapshot including memory.
		Config workflow.NodeConfig
		// UpdatedAt records when the bump was stored.
		UpdatedAt time.Time
	}

	// NodeStatus is the lifecycle state of a node invocation.
	NodeStatus string

	// NodeInvocation is one execution of a node inside a workflow invocation.
	// Created on entry with status running, completed on exit via
	// EndNodeInvocation.
	NodeInvocation struct {
		// NodeInvocationID uniquely identifies the node invocation
		// ("ninv-" prefix).
		NodeInvocationID string
		// InvocationID names the enclosing workflow invocation.
		InvocationID string
		// NodeID names the node that ran.
		NodeID string
		// NodeVersionID names the node version whose memory was loaded.
		// Empty when the node ran on its unseeded graph config.
		NodeVersionID string
		// Status is the lifecycle state.
		Status NodeStatus
		// Model names the provider model used for this invocation.
		Model string
		// AttemptNo counts delivery attempts, starting at 1.
		AttemptNo int
		// StartTime records when the node began.
		StartTime time.Time
		// EndTime records when the node finished.
		EndTime *time.Time
		// USDCost is the spend attributed to this node invocation.
		USDCost float64
		// Output is the node's final output text.
		Output string
		// Summary is the short summary produced at terminate.
		Summary string
		// Files lists workflow files the node had access to.
		Files []string
		// Error is a short reason string when the node failed.
		Error string
		// Extras carries the serialized trace (ExtraTrace), the proposed
		// memory delta (ExtraUpdatedMemory) and debug prompts
		// (ExtraDebugPrompts).
		Extras map[string]any
	}

	// NodeInvocationEnd finalizes a node invocation.
	NodeInvocationEnd struct {
		// NodeInvocationID names the node invocation to finalize.
		NodeInvocationID string
		// Status must be a terminal state.
		Status NodeStatus
		// Output is the final output text.
		Output string
		// Summary is the short terminate summary.
		Summary string
		// USDCost is the total spend for the node invocation.
		USDCost float64
		// EndTime is the completion timestamp. Zero means now.
		EndTime time.Time
		// Files lists workflow files the node had access to.
		Files []string
		// Error is a short reason string for failed invocations.
		Error string
		// Extras entries are merged into the stored map.
		Extras map[string]any
	}

	// MessageRole classifies a routed message.
	MessageRole string

	// Message is one routed payload between nodes within a workflow
	// invocation. Seq values are assigned monotonically by the executor,
	// starting at 1, with no gaps.
	Message struct {
		// MsgID uniquely identifies the message ("msg-" prefix).
		MsgID string
		// InvocationID names the enclosing workflow invocation.
		InvocationID string
		// FromNodeID names the sender. "start" for the seed message.
		FromNodeID string
		// ToNodeID names the recipient. "end" terminates the path.
		ToNodeID string
		// Seq is the monotonic position within the invocation, from 1.
		Seq int
		// Role classifies the message.
		Role MessageRole
		// Payload is the opaque JSON-shaped content.
		Payload json.RawMessage
		// CreatedAt records when the message was emitted.
		CreatedAt time.Time
		// OriginInvocationID back-references the node invocation that
		// produced the payload. Stored as an identifier, never a pointer.
		OriginInvocationID string
	}

	// SortField selects the ordering of invocation listings.
	SortField string

	// ListFilters narrows an invocation listing. Nil and zero fields are
	// ignored. Accuracy and fitness filters exclude rows that have no value.
	ListFilters struct {
		// Status keeps invocations in the given state.
		Status *InvocationStatus
		// MinCost and MaxCost bound the total spend.
		MinCost *float64
		MaxCost *float64
		// MinAccuracy and MaxAccuracy bound the integer accuracy percentage.
		MinAccuracy *int
		MaxAccuracy *int
		// MinFitness and MaxFitness bound the numeric fitness score.
		MinFitness *float64
		MaxFitness *float64
		// DateFrom and DateTo bound the start time (inclusive).
		DateFrom *time.Time
		DateTo   *time.Time
		// RunID keeps invocations of one optimizer run.
		RunID string
		// GenerationID keeps invocations of one optimizer generation.
		GenerationID string
		// VersionID keeps invocations of one workflow version.
		VersionID string
	}

	// ListQuery pages through workflow invocations. The zero value lists the
	// first page, newest first.
	ListQuery struct {
		// Page is 1-based. Zero means page 1.
		Page int
		// PageSize bounds the number of rows returned. Zero means
		// DefaultPageSize.
		PageSize int
		// Filters narrows the result set.
		Filters ListFilters
		// SortBy selects the ordering. Empty means SortStartTime descending.
		SortBy SortField
		// SortDesc reverses the order when SortBy is set explicitly.
		SortDesc bool
	}

	// Aggregates summarizes the full filtered set, not just the current page.
	Aggregates struct {
		// TotalSpentUSD is the summed cost of all matching invocations.
		TotalSpentUSD float64
		// AvgAccuracy is the mean accuracy over invocations that have one.
		AvgAccuracy float64
		// FailedCount counts matching invocations in status failed.
		FailedCount int
	}

	// ListPage is one page of invocations plus totals for the whole filtered
	// set.
	ListPage struct {
		// Invocations holds the rows for the requested page.
		Invocations []Invocation
		// TotalCount is the number of matching invocations across all pages.
		TotalCount int
		// Aggregates summarizes the whole filtered set.
		Aggregates Aggregates
	}

	// TraceView is the full audit view of one workflow invocation.
	TraceView struct {
		// Workflow is the invocation's workflow identity.
		Workflow Workflow
		// Version is the executed workflow version.
		Version Version
		// Invocation is the invocation row.
		Invocation Invocation
		// NodeInvocations are ordered by start time.
		NodeInvocations []NodeInvocation
		// Messages are ordered by seq.
		Messages []Message
	}

	// DeleteResult counts rows removed by DeleteInvocations.
	DeleteResult struct {
		Invocations     int
		NodeInvocations int
		Messages        int
	}

	// CleanupResult counts rows force-failed by CleanupStale.
	CleanupResult struct {
		WorkflowInvocations int
		NodeInvocations     int
	}

	// Store is the persistence port. Implementations must be safe for
	// concurrent use and must surface failures as *Error values.
	Store interface {
		// EnsureWorkflow idempotently upserts a workflow identity.
		EnsureWorkflow(ctx context.Context, wf Workflow) error

		// GetWorkflow returns the workflow identity.
		GetWorkflow(ctx context.Context, workflowID string) (Workflow, error)

		// CreateWorkflowVersion inserts or upserts a version by its id. The
		// DSL is validated, annotated with the current schema version when it
		// omits one, and refused when it declares an unsupported one.
		// Creating the same version twice is not an error.
		CreateWorkflowVersion(ctx context.Context, v Version) (Version, error)

		// GetWorkflowVersion returns a stored version.
		GetWorkflowVersion(ctx context.Context, versionID string) (Version, error)

		// CreateWorkflowInvocation inserts an invocation in status running.
		CreateWorkflowInvocation(ctx context.Context, inv Invocation) (Invocation, error)

		// UpdateWorkflowInvocation applies a partial update. Status changes
		// away from a terminal state surface as Conflict.
		UpdateWorkflowInvocation(ctx context.Context, patch InvocationPatch) (Invocation, error)

		// GetWorkflowInvocation returns an invocation row.
		GetWorkflowInvocation(ctx context.Context, invocationID string) (Invocation, error)

		// SaveNodeVersion stores a new bump of a node's config snapshot,
		// assigning the next version integer atomically under
		// (node, workflow version).
		SaveNodeVersion(ctx context.Context, versionID string, cfg workflow.NodeConfig) (NodeVersion, error)

		// LatestNodeVersion returns the highest bump for a node within a
		// workflow version. NotFound when the node has never been bumped.
		LatestNodeVersion(ctx context.Context, versionID, nodeID string) (NodeVersion, error)

		// StartNodeInvocation inserts a node invocation in status running and
		// returns it with its assigned id.
		StartNodeInvocation(ctx context.Context, ni NodeInvocation) (NodeInvocation, error)

		// EndNodeInvocation finalizes a node invocation. Status changes away
		// from a terminal state surface as Conflict.
		EndNodeInvocation(ctx context.Context, end NodeInvocationEnd) (NodeInvocation, error)

		// SaveMessage inserts a routed message. Reusing a message id or a
		// (invocation, seq) slot surfaces as DuplicateKey.
		SaveMessage(ctx context.Context, msg Message) (Message, error)

		// ListInvocations pages through invocations with filters, sorting and
		// aggregates over the full filtered set.
		ListInvocations(ctx context.Context, q ListQuery) (ListPage, error)

		// GetTrace assembles the full audit view of an invocation.
		GetTrace(ctx context.Context, invocationID string) (TraceView, error)

		// DeleteInvocations removes invocations and cascades to their node
		// invocations and messages. Unknown ids are skipped.
		DeleteInvocations(ctx context.Context, invocationIDs []string) (DeleteResult, error)

		// CleanupStale force-fails invocations and node invocations that have
		// been running longer than the grace window. A non-positive grace
		// means DefaultStaleGrace.
		CleanupStale(ctx context.Context, grace time.Duration) (CleanupResult, error)

		// WithTransaction runs fn against a transactional view of the store.
		// The transaction commits when fn returns nil and rolls back
		// otherwise. Operations inside fn must go through the tx argument.
		WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	}
)

const (
	// OpInit marks a hand-written seed version.
	OpInit Operation = "init"
	// OpMutation marks a version derived by mutating a single parent.
	OpMutation Operation = "mutation"
	// OpCrossover marks a version derived by combining two parents.
	OpCrossover Operation = "crossover"
	// OpImmigrant marks a version injected from outside the population.
	OpImmigrant Operation = "immigrant"
)

// Valid reports whether op is a known version operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInit, OpMutation, OpCrossover, OpImmigrant:
		return true
	}
	return false
}

const (
	// StatusRunning indicates the invocation is executing.
	StatusRunning InvocationStatus = "running"
	// StatusCompleted indicates the invocation reached the end sentinel.
	StatusCompleted InvocationStatus = "completed"
	// StatusFailed indicates the invocation stopped before reaching end.
	StatusFailed InvocationStatus = "failed"
	// StatusRolledBack indicates the invocation's effects were reverted by an
	// external process.
	StatusRolledBack InvocationStatus = "rolled_back"
)

// Terminal reports whether the status is final.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Valid reports whether s is a known invocation status.
func (s InvocationStatus) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

const (
	// NodeRunning indicates the node invocation is executing.
	NodeRunning NodeStatus = "running"
	// NodeCompleted indicates the node invocation finished with a terminate.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed indicates the node invocation failed.
	NodeFailed NodeStatus = "failed"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed
}

const (
	// RoleDelegation marks a task handed to a downstream node.
	RoleDelegation MessageRole = "delegation"
	// RoleResult marks a reply carrying a node's final output.
	RoleResult MessageRole = "result"
	// RoleSequential marks a forward along a sequential hand-off edge.
	RoleSequential MessageRole = "sequential"
	// RoleAggregated marks the joined replies of a parallel fan-out.
	RoleAggregated MessageRole = "aggregated"
	// RoleError marks a payload describing a node failure.
	RoleError MessageRole = "error"
)

const (
	// StartNodeID is the sentinel sender of the seed message.
	StartNodeID = "start"

	// DefaultPageSize bounds listings when the query does not set one.
	DefaultPageSize = 20
	// MaxPageSize is the hard cap on a single listing page.
	MaxPageSize = 500

	// DefaultStaleGrace is how long an invocation may stay running before
	// CleanupStale force-fails it.
	DefaultStaleGrace = 10 * time.Minute
)

const (
	// SortStartTime orders by invocation start time. This is the default.
	SortStartTime SortField = "start_time"
	// SortUSDCost orders by total spend.
	SortUSDCost SortField = "usd_cost"
	// SortStatus orders by lifecycle state.
	SortStatus SortField = "status"
	// SortFitness orders by numeric fitness score.
	SortFitness SortField = "fitness"
	// SortAccuracy orders by accuracy percentage.
	SortAccuracy SortField = "accuracy"
	// SortDuration orders by wall-clock duration.
	SortDuration SortField = "duration"
)

// Valid reports whether f is a known sort field.
func (f SortField) Valid() bool {
	switch f {
	case SortStartTime, SortUSDCost, SortStatus, SortFitness, SortAccuracy, SortDuration:
		return true
	}
	return false
}

// Extras keys shared between the executor, the pipeline and readers of the
// persisted rows.
const (
	// ExtraError holds the short failure reason on failed rows.
	ExtraError = "error"
	// ExtraTrace holds the canonical serialized trace of a node invocation.
	ExtraTrace = "trace"
	// ExtraUpdatedMemory holds the proposed memory delta of a node
	// invocation.
	ExtraUpdatedMemory = "updated_memory"
	// ExtraDebugPrompts holds the debug prompt strings collected during a
	// node invocation.
	ExtraDebugPrompts = "debug_prompts"
)

// NewInvocationID returns a fresh workflow invocation identifier.
func NewInvocationID() string { return "inv-" + uuid.NewString() }

// NewNodeInvocationID returns a fresh node invocation identifier.
func NewNodeInvocationID() string { return "ninv-" + uuid.NewString() }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return "msg-" + uuid.NewString() }

// NewVersionID returns a fresh workflow version identifier.
func NewVersionID() string { return "ver-" + uuid.NewString() }
