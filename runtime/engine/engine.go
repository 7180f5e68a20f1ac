// Package engine defines the workflow engine abstractions the loom executor
// runs on. The executor's invocation loop is written once as a workflow
// function against these interfaces and executes unchanged on any adapter.
//
// # Core Abstractions
//
//   - Engine: registers the invocation workflow and its activities and starts
//     executions. The runner calls Engine methods at wiring time and per run.
//
//   - WorkflowContext: the deterministic surface available inside the
//     workflow function. It schedules activities, delivers cancel signals,
//     exposes workflow time and timers, and derives cancellable sub-scopes
//     for parallel fan-outs.
//
//   - Future[T]: a pending activity result. Parallel hand-offs launch one
//     invoke activity per branch and join the futures afterwards.
//
//   - Receiver[T]: typed signal delivery. The executor drains cancel
//     requests at every suspension point.
//
// # Determinism
//
// Workflow code must produce the same decisions on replay: no wall-clock
// reads (use Now), no direct I/O (use activities), no random identifiers
// (the record and invoke activities assign ids). Activities are free to
// perform arbitrary I/O; the engine records their results and replays them.
//
// Two adapters ship with loom: engine/inmem runs workflows immediately in a
// goroutine for tests, the CLI and single-process deployments; engine/temporal
// provides durable execution on a Temporal cluster.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/loom/runtime/api"
)

// RunStatus is the lifecycle state of a workflow execution as the engine
// sees it. It is distinct from the persisted invocation status: the store is
// the source of truth for the domain lifecycle, the engine for execution.
type RunStatus string

const (
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow function returned.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow function failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was cancelled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates no workflow execution exists for the
	// given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowCompleted indicates the workflow already reached a terminal
	// state and can no longer be signalled or cancelled.
	ErrWorkflowCompleted = errors.New("workflow already completed")
)

type (
	// Engine abstracts workflow registration and execution so adapters can be
	// swapped without touching the executor. Implementations translate these
	// generic types into backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers the invocation workflow definition.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterInvokeActivity registers the activity that runs one node
		// invocation end to end: memory load, pipeline run, persistence.
		RegisterInvokeActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.NodeActivityInput) (*api.NodeActivityOutput, error)) error

		// RegisterRecordActivity registers the activity that persists routed
		// messages.
		RegisterRecordActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.RecordInput) (*api.RecordOutput, error)) error

		// RegisterFinalizeActivity registers the activity that persists the
		// terminal invocation state.
		RegisterFinalizeActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.FinalizeInput) error) error

		// RegisterHookActivity registers the activity that publishes
		// workflow-emitted hook events outside the deterministic thread.
		RegisterHookActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error

		// StartWorkflow initiates a workflow execution and returns a handle
		// for interacting with it. The ID in req must be unique for the
		// engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus returns the current lifecycle status for a workflow
		// execution. Returns ErrWorkflowNotFound for unknown runs.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// Signaler delivers signals by workflow id without an in-process handle.
	// Engines that support out-of-process signalling (Temporal) implement it
	// so cancellation works across process restarts.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID
		// and optional runID.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// WorkflowDefinition binds the workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked by the engine.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the invocation workflow entry point. Implementations
	// must be deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.RunInput) (*api.RunOutput, error)

	// WorkflowContext exposes engine operations to the workflow function
	// inside its deterministic execution environment.
	//
	// Thread-safety: a WorkflowContext is bound to a single workflow
	// execution and must not be shared across goroutines. Lifecycle: created
	// by the engine when the workflow starts, valid until it completes.
	WorkflowContext interface {
		// Context returns the Go context for the workflow, used for activity
		// execution and cancellation propagation.
		Context() context.Context

		// WorkflowID returns the identifier the workflow was started with.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// InvokeNode schedules the invoke activity and blocks until it
		// completes. Sequential hand-offs run nodes one at a time through
		// this method.
		InvokeNode(ctx context.Context, call InvokeCall) (*api.NodeActivityOutput, error)

		// InvokeNodeAsync schedules the invoke activity and returns a Future
		// so parallel hand-offs can fan out and join.
		InvokeNodeAsync(ctx context.Context, call InvokeCall) (Future[*api.NodeActivityOutput], error)

		// RecordMessages schedules the record activity and blocks until the
		// batch is persisted.
		RecordMessages(ctx context.Context, call RecordCall) (*api.RecordOutput, error)

		// FinalizeInvocation schedules the finalize activity and blocks until
		// the terminal state is persisted.
		FinalizeInvocation(ctx context.Context, call FinalizeCall) error

		// PublishHook schedules the hook activity and waits for completion.
		// Hook publishing runs outside the deterministic workflow thread so
		// subscribers can perform I/O.
		PublishHook(ctx context.Context, call HookCall) error

		// CancelRequests returns a typed receiver for cancel signals.
		CancelRequests() Receiver[api.CancelRequest]

		// Now returns the current workflow time. Implementations must return
		// a replay-safe time source.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. A non-positive duration produces a Future that is
		// already ready. The executor uses timers for the cancellation grace
		// window.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true or ctx is done. The
		// condition must be deterministic and side-effect free; the executor
		// uses it to wait on branch futures without draining them in a fixed
		// order.
		Await(ctx context.Context, condition func() bool) error

		// WithCancel returns a derived WorkflowContext whose cancellation can
		// be triggered independently of the parent scope. Parallel branches
		// run in such a scope so a wall-clock or cancel event can revoke
		// in-flight activities while the parent finalizes.
		WithCancel() (WorkflowContext, func())
	}

	// Future represents a pending activity result. Get may be called more
	// than once and returns the same value each time; IsReady allows polling
	// without blocking.
	Future[T any] interface {
		// Get blocks until the activity completes and returns the result.
		Get(ctx context.Context) (T, error)

		// IsReady reports whether Get would return without blocking.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)

		// Len reports how many buffered values ReceiveAsync would deliver.
		// Await conditions use it to observe pending signals without
		// consuming them.
		Len() int
	}

	// ActivityOptions configures queue, retry and timeout for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. Empty inherits the
		// workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued means the engine
		// default.
		RetryPolicy RetryPolicy
		// Timeout bounds one activity execution. Zero means no timeout.
		Timeout time.Duration
	}

	// InvokeCall describes one invocation of the invoke activity.
	InvokeCall struct {
		// Name identifies the registered invoke activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.NodeActivityInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// RecordCall describes one invocation of the record activity.
	RecordCall struct {
		// Name identifies the registered record activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.RecordInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// FinalizeCall describes one invocation of the finalize activity.
	FinalizeCall struct {
		// Name identifies the registered finalize activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.FinalizeInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// HookCall describes one invocation of the hook activity.
	HookCall struct {
		// Name identifies the registered hook activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.HookActivityInput
		// Options overrides the registered activity defaults for this call.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope. The
		// runner derives it from the invocation id.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on. Empty
		// falls back to the definition queue, then the engine default.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *api.RunInput
		// RunTimeout bounds the total workflow execution time at the engine
		// level. Zero means the engine default. This is a backstop; the
		// executor enforces its own wall-clock budget in workflow time.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
		// RetryPolicy controls restarts of the workflow start attempt.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the result.
		Wait(ctx context.Context) (*api.RunOutput, error)

		// Signal sends an asynchronous message to the workflow. Returns
		// ErrWorkflowCompleted when the workflow already finished.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow. The workflow context
		// is cancelled and in-flight activities may be cancelled depending on
		// the engine.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts. Zero means
		// unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values
		// below 1 are treated as 1.
		BackoffCoefficient float64
	}
)
