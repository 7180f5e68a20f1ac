// Package executor drives whole workflow invocations. The workflow
// function walks the graph as a deterministic message loop: it seeds a
// start message, pops deliveries in FIFO order, runs each recipient
// node through the invoke activity, assigns message sequence numbers at
// emit time and persists routed messages and the terminal invocation
// state through dedicated activities. Everything non-deterministic
// (ids, clocks, store and model I/O) lives inside the activities so the
// loop replays identically on a durable engine.
//
// The same loop runs on every engine.Engine implementation: inmem for
// tests and the CLI, Temporal for durable production runs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/loom/runtime/engine"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/telemetry"
)

// Registered workflow and activity names.
const (
	WorkflowRun                = "loom.run"
	ActivityInvokeNode         = "loom.invoke_node"
	ActivityRecordMessages     = "loom.record_messages"
	ActivityFinalizeInvocation = "loom.finalize_invocation"
	ActivityPublishHook        = "loom.publish_hook"
)

// Short failure reasons for invocations the loop fails itself. Node
// failures propagate their pipeline reason unchanged.
const (
	ReasonStepBudgetExhausted = "step_budget_exhausted"
	ReasonTimeout             = "timeout"
	ReasonUnknownNode         = "unknown_node"
	ReasonNoEndReached        = "no_end_reached"
)

// Defaults applied to zero-valued budget fields.
const (
	DefaultMaxNodes    = 64
	DefaultCancelGrace = 2 * time.Second
)

type (
	// NodeRunner runs one node invocation end to end. *pipeline.Pipeline
	// is the production implementation.
	NodeRunner interface {
		Run(ctx context.Context, req pipeline.Request) *pipeline.Result
	}

	// Options configures an Executor.
	Options struct {
		// Store persists invocation state. Required. Wrap it with
		// store.NewRetrying so transient backend errors are absorbed
		// inside the activities.
		Store store.Store
		// Runner executes node invocations. Required.
		Runner NodeRunner
		// Hooks receives lifecycle events. Optional.
		Hooks hooks.Bus
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics receives invocation counters and timings. Optional.
		Metrics telemetry.Metrics
		// InvokeTimeout bounds one invoke activity execution. Defaults
		// to 10 minutes.
		InvokeTimeout time.Duration
	}

	// Executor is the invocation workflow function plus its activities.
	// Register wires both onto an engine. Safe for concurrent use; one
	// Executor serves every invocation of a worker process.
	Executor struct {
		store         store.Store
		runner        NodeRunner
		hooks         hooks.Bus
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		invokeTimeout time.Duration
	}
)

// New validates opts and builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("node runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 10 * time.Minute
	}
	return &Executor{
		store:         opts.Store,
		runner:        opts.Runner,
		hooks:         opts.Hooks,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		invokeTimeout: opts.InvokeTimeout,
	}, nil
}

// Register wires the invocation workflow and its activities onto eng.
//
// The invoke activity runs with a single attempt: a node invocation is
// not safe to re-run blindly, so node failures come back inside the
// activity output instead of as activity errors. Persistence activities
// retry on the engine on top of the store-level retry decorator because
// a lost worker is not a store error.
func (x *Executor) Register(ctx context.Context, eng engine.Engine) error {
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    WorkflowRun,
		Handler: x.runWorkflow,
	}); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}
	if err := eng.RegisterInvokeActivity(ctx, ActivityInvokeNode, engine.ActivityOptions{
		Timeout:     x.invokeTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, x.invokeNode); err != nil {
		return fmt.Errorf("register invoke activity: %w", err)
	}
	persistOpts := engine.ActivityOptions{
		Timeout: 30 * time.Second,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    200 * time.Millisecond,
			BackoffCoefficient: 2,
		},
	}
	if err := eng.RegisterRecordActivity(ctx, ActivityRecordMessages, persistOpts, x.recordMessages); err != nil {
		return fmt.Errorf("register record activity: %w", err)
	}
	if err := eng.RegisterFinalizeActivity(ctx, ActivityFinalizeInvocation, persistOpts, x.finalizeInvocation); err != nil {
		return fmt.Errorf("register finalize activity: %w", err)
	}
	if err := eng.RegisterHookActivity(ctx, ActivityPublishHook, engine.ActivityOptions{
		Timeout:     10 * time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}, x.publishHook); err != nil {
		return fmt.Errorf("register hook activity: %w", err)
	}
	return nil
}

// publish delivers a lifecycle event to the bus when one is configured.
// Publish errors never fail the surrounding persistence.
func (x *Executor) publish(ctx context.Context, event hooks.Event) {
	if x.hooks == nil {
		return
	}
	if err := x.hooks.Publish(ctx, event); err != nil {
		x.logger.Warn(ctx, "hook publish failed", "event", event.Type(), "error", err)
	}
}
