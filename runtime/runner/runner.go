// Package runner composes the loom runtime into one facade. A Runner
// owns the wiring: it decorates the store with retries, builds the
// model caller, selector, hand-off resolver and pipeline from the
// process configuration, registers the invocation workflow on the
// engine and connects the hook bus to the optional stream sink. Callers
// create workflow versions, start invocations, await or cancel them and
// read traces through the Runner without touching the parts.
//
// Starting a run persists the invocation row in status running before
// the workflow is submitted, so the store never misses an invocation
// the engine knows about. Awaiting a run uses the in-process workflow
// handle when the run was started by this Runner and falls back to
// polling the store when it was not, which is the path for runs started
// on another worker process.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/config"
	"goa.design/loom/runtime/engine"
	engmem "goa.design/loom/runtime/engine/inmem"
	"goa.design/loom/runtime/executor"
	"goa.design/loom/runtime/handoff"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/planner"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/stream"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/toolregistry"
	"goa.design/loom/runtime/workflow"
)

// awaitPollInterval is how often AwaitInvocation re-reads the store when
// no in-process handle exists for the run.
const awaitPollInterval = 250 * time.Millisecond

// engineRunHeadroom is added on top of the wall-clock budget when
// deriving the engine-level run timeout, so the executor can finalize
// and publish terminal events before the engine kills the workflow.
const engineRunHeadroom = 30 * time.Second

type (
	// Options configures a Runner. Store, ModelClient and Model are
	// required; everything else has a working default.
	Options struct {
		// Store persists workflows, invocations and messages. Required.
		// The Runner wraps it with the store retry decorator unless it
		// already is one.
		Store store.Store
		// ModelClient is the provider adapter completions go to when no
		// per-model override matches. Required.
		ModelClient model.Client
		// Model is the default provider model identifier. Required.
		Model string
		// Models optionally routes specific model identifiers to their
		// own clients. Nodes select models by name in the DSL; names not
		// present here go to ModelClient.
		Models map[string]model.Client
		// SummaryModel is the model used for summaries and learning.
		// Empty means Model.
		SummaryModel string
		// Engine runs invocation workflows. Defaults to the in-memory
		// engine.
		Engine engine.Engine
		// Tools resolves node tool lists. Defaults to an empty registry,
		// which fails resolution for any node that names a tool.
		Tools pipeline.ToolResolver
		// SDK runs direct-SDK nodes. Nodes flagged use_direct_sdk fail
		// when nil.
		SDK pipeline.SDKClient
		// Config is the process configuration. The zero value means
		// config.Default; partial values are normalized and validated.
		Config config.Config
		// Hooks is the lifecycle event bus. Defaults to a new in-process
		// bus.
		Hooks hooks.Bus
		// Stream, when set, receives client-facing events translated
		// from the hook bus.
		Stream stream.Sink
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics receives runtime counters and timings. Optional.
		Metrics telemetry.Metrics
		// Tracer, when set, wraps the model client so every provider
		// round emits a span.
		Tracer telemetry.Tracer
	}

	// RunOptions carries the per-run parameters of RunWorkflow.
	RunOptions struct {
		// InvocationID overrides the generated invocation id. Useful for
		// idempotent retries; reusing the id of an existing invocation
		// fails with DuplicateKey.
		InvocationID string
		// MainGoal is the workflow-level goal injected into node
		// prompts.
		MainGoal string
		// Files lists workflow files every node may reference.
		Files []string
		// RunID correlates the invocation with an optimizer run.
		RunID string
		// GenerationID correlates the invocation with an optimizer
		// generation.
		GenerationID string
	}

	// RunResult is the terminal outcome of an invocation as reported by
	// AwaitInvocation.
	RunResult struct {
		// InvocationID identifies the invocation.
		InvocationID string
		// Status is the terminal invocation status.
		Status store.InvocationStatus
		// Output is the final workflow output collected at the end
		// sentinel. Empty on failure.
		Output string
		// Cost is the total USD spend of the invocation.
		Cost float64
		// Reason is the short failure reason. Empty when Status is
		// completed.
		Reason string
	}

	// Runner is the runtime facade. Safe for concurrent use; one Runner
	// serves every invocation of a process.
	Runner struct {
		store  store.Store
		engine engine.Engine
		hooks  hooks.Bus
		spend  *spend.MemoryTracker
		cfg    config.Config
		logger telemetry.Logger

		handleMu sync.RWMutex
		handles  map[string]engine.WorkflowHandle
	}
)

// New validates opts, wires the pipeline and executor and registers the
// invocation workflow and its activities on the engine. The returned
// Runner is ready to start runs.
func New(ctx context.Context, opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.ModelClient == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	st := opts.Store
	if _, ok := st.(*store.Retrying); !ok {
		st = store.NewRetrying(st, store.RetryOptions{})
	}

	client := routeModels(opts.ModelClient, opts.Models)
	if opts.Tracer != nil {
		client = newTracedClient(client, opts.Tracer, logger)
	}
	caller, err := model.NewCaller(model.CallerOptions{Client: client, Logger: logger})
	if err != nil {
		return nil, err
	}

	tracker := spend.NewMemoryTracker(cfg.SpendingCapUSD)
	selector, err := planner.New(planner.Options{
		Caller: caller,
		Model:  opts.Model,
		Spend:  tracker,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build selector: %w", err)
	}
	resolver, err := handoff.New(handoff.Options{
		Caller:       caller,
		Model:        opts.Model,
		Spend:        tracker,
		Logger:       logger,
		ContentMode:  handoff.ContentMode(cfg.HandoffContentMode),
		Coordination: handoff.Coordination(cfg.CoordinationType),
	})
	if err != nil {
		return nil, fmt.Errorf("build handoff resolver: %w", err)
	}
	toolsRes := opts.Tools
	if toolsRes == nil {
		toolsRes = toolregistry.New(toolregistry.Options{Logger: logger})
	}
	pipe, err := pipeline.New(pipeline.Options{
		Tools:                     toolsRes,
		Caller:                    caller,
		Model:                     opts.Model,
		Selector:                  selector,
		Handoff:                   resolver,
		SDK:                       opts.SDK,
		Spend:                     tracker,
		Logger:                    logger,
		Metrics:                   opts.Metrics,
		MultiStepEnabled:          cfg.MultiStepEnabled,
		MultiStepStrategy:         pipelineStrategy(cfg.MultiStepStrategy),
		MaxRoundsDefault:          cfg.MultiStepMaxRounds,
		SingleCallMaxStepsDefault: cfg.SingleCallMaxSteps,
		SummaryModel:              opts.SummaryModel,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	bus := opts.Hooks
	if bus == nil {
		bus = hooks.NewBus()
	}
	if opts.Stream != nil {
		sub, serr := stream.NewSubscriber(opts.Stream)
		if serr != nil {
			return nil, fmt.Errorf("build stream subscriber: %w", serr)
		}
		if _, serr = bus.Register(sub); serr != nil {
			return nil, fmt.Errorf("register stream subscriber: %w", serr)
		}
	}

	exec, err := executor.New(executor.Options{
		Store:   st,
		Runner:  pipe,
		Hooks:   bus,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}
	eng := opts.Engine
	if eng == nil {
		eng = engmem.New()
	}
	if err := exec.Register(ctx, eng); err != nil {
		return nil, fmt.Errorf("register executor: %w", err)
	}

	return &Runner{
		store:   st,
		engine:  eng,
		hooks:   bus,
		spend:   tracker,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[string]engine.WorkflowHandle),
	}, nil
}

// CreateWorkflowVersion ensures the workflow identity exists and stores
// the version. The DSL is validated against the graph schema before
// anything is persisted; an unsupported schema_version is refused here,
// never at run time.
func (r *Runner) CreateWorkflowVersion(ctx context.Context, v store.Version) (store.Version, error) {
	if v.WorkflowID == "" {
		return store.Version{}, errors.New("workflow id is required")
	}
	if err := r.store.EnsureWorkflow(ctx, store.Workflow{WorkflowID: v.WorkflowID}); err != nil {
		return store.Version{}, fmt.Errorf("ensure workflow: %w", err)
	}
	return r.store.CreateWorkflowVersion(ctx, v)
}

// RunWorkflow starts an invocation of the given workflow version and
// returns its invocation id without waiting for completion. The
// invocation row is persisted in status running before the workflow is
// submitted; when submission fails the row is marked failed
// best-effort and the error is returned.
func (r *Runner) RunWorkflow(ctx context.Context, versionID string, input json.RawMessage, opts RunOptions) (string, error) {
	if versionID == "" {
		return "", errors.New("version id is required")
	}
	ver, err := r.store.GetWorkflowVersion(ctx, versionID)
	if err != nil {
		return "", fmt.Errorf("load workflow version: %w", err)
	}
	graph, err := workflow.ParseGraph(ver.DSL)
	if err != nil {
		return "", fmt.Errorf("parse workflow version %s: %w", versionID, err)
	}

	invID := opts.InvocationID
	if invID == "" {
		invID = store.NewInvocationID()
	}
	inv, err := r.store.CreateWorkflowInvocation(ctx, store.Invocation{
		InvocationID:  invID,
		VersionID:     versionID,
		WorkflowInput: string(input),
		RunID:         opts.RunID,
		GenerationID:  opts.GenerationID,
	})
	if err != nil {
		return "", fmt.Errorf("create invocation: %w", err)
	}

	req := engine.WorkflowStartRequest{
		ID:       inv.InvocationID,
		Workflow: executor.WorkflowRun,
		Input: &api.RunInput{
			InvocationID: inv.InvocationID,
			VersionID:    versionID,
			Graph:        *graph,
			Input:        input,
			MainGoal:     opts.MainGoal,
			Files:        opts.Files,
			Budget:       r.budget(),
		},
	}
	if r.cfg.WallClockSeconds > 0 {
		// Engine-level backstop: the executor enforces the wall clock in
		// workflow time, the engine only catches a wedged worker.
		req.RunTimeout = time.Duration(r.cfg.WallClockSeconds+r.cfg.CancelGraceSeconds)*time.Second + engineRunHeadroom
	}
	handle, err := r.engine.StartWorkflow(ctx, req)
	if err != nil {
		r.failUnstarted(ctx, inv.InvocationID)
		return "", fmt.Errorf("start workflow: %w", err)
	}
	r.storeHandle(inv.InvocationID, handle)
	return inv.InvocationID, nil
}

// AwaitInvocation blocks until the invocation reaches a terminal state
// and returns its outcome. Runs started by this Runner are awaited on
// the engine handle; anything else is polled from the store, so a
// caller process can await runs executing on remote workers.
func (r *Runner) AwaitInvocation(ctx context.Context, invocationID string) (*RunResult, error) {
	if invocationID == "" {
		return nil, errors.New("invocation id is required")
	}
	if h, ok := r.handle(invocationID); ok {
		out, err := h.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up, not the run. Keep the handle so a
				// later await can still use it.
				return nil, err
			}
			// The workflow function failed at the engine level. The
			// finalize activity may still have persisted terminal state,
			// so the store has the last word.
			r.storeHandle(invocationID, nil)
			res, serr := r.terminalFromStore(ctx, invocationID)
			if serr != nil {
				return nil, errors.Join(err, serr)
			}
			return res, nil
		}
		r.storeHandle(invocationID, nil)
		return &RunResult{
			InvocationID: out.InvocationID,
			Status:       out.Status,
			Output:       out.Output,
			Cost:         out.Cost,
			Reason:       out.Reason,
		}, nil
	}

	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()
	for {
		res, err := r.terminalFromStore(ctx, invocationID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errStillRunning) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelInvocation requests cancellation of a running invocation. The
// executor drains the cancel signal at its next suspension point, lets
// in-flight node activities finish within the grace window and
// finalizes the invocation as failed with reason cancelled.
//
// CancelInvocation is idempotent: cancelling an unknown or already
// finished invocation returns nil.
func (r *Runner) CancelInvocation(ctx context.Context, invocationID, reason string) error {
	if invocationID == "" {
		return errors.New("invocation id is required")
	}
	if reason == "" {
		reason = "user_requested"
	}
	payload := api.CancelRequest{InvocationID: invocationID, Reason: reason}
	if sig, ok := r.engine.(engine.Signaler); ok {
		err := sig.SignalByID(ctx, invocationID, "", api.SignalCancel, payload)
		if err == nil || errors.Is(err, engine.ErrWorkflowNotFound) || errors.Is(err, engine.ErrWorkflowCompleted) {
			return nil
		}
		return err
	}
	h, ok := r.handle(invocationID)
	if !ok {
		return nil
	}
	err := h.Signal(ctx, api.SignalCancel, payload)
	if err == nil || errors.Is(err, engine.ErrWorkflowCompleted) {
		return nil
	}
	return err
}

// GetTrace returns the full audit view of an invocation.
func (r *Runner) GetTrace(ctx context.Context, invocationID string) (store.TraceView, error) {
	return r.store.GetTrace(ctx, invocationID)
}

// ListInvocations pages through invocations with filters, sorting and
// aggregates.
func (r *Runner) ListInvocations(ctx context.Context, q store.ListQuery) (store.ListPage, error) {
	return r.store.ListInvocations(ctx, q)
}

// DeleteInvocations removes invocations and everything hanging off them.
func (r *Runner) DeleteInvocations(ctx context.Context, invocationIDs []string) (store.DeleteResult, error) {
	return r.store.DeleteInvocations(ctx, invocationIDs)
}

// CleanupStale force-fails invocations that have been running longer
// than the configured grace window and reports how many were affected.
func (r *Runner) CleanupStale(ctx context.Context) (store.CleanupResult, error) {
	return r.store.CleanupStale(ctx, time.Duration(r.cfg.StaleGraceSeconds)*time.Second)
}

// budget derives the per-run executor budget from the process
// configuration.
func (r *Runner) budget() api.Budget {
	return api.Budget{
		MaxNodes:       r.cfg.MaxNodesPerInvocation,
		SpendingCapUSD: r.cfg.SpendingCapUSD,
		WallClock:      time.Duration(r.cfg.WallClockSeconds) * time.Second,
		CancelGrace:    time.Duration(r.cfg.CancelGraceSeconds) * time.Second,
	}
}

// errStillRunning signals that the invocation row exists but has not
// reached a terminal state yet.
var errStillRunning = errors.New("invocation still running")

// terminalFromStore builds a RunResult from the invocation row. Returns
// errStillRunning while the row is non-terminal.
func (r *Runner) terminalFromStore(ctx context.Context, invocationID string) (*RunResult, error) {
	inv, err := r.store.GetWorkflowInvocation(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.Terminal() {
		return nil, errStillRunning
	}
	res := &RunResult{
		InvocationID: inv.InvocationID,
		Status:       inv.Status,
		Output:       inv.WorkflowOutput,
		Cost:         inv.USDCost,
	}
	if reason, ok := inv.Extras[store.ExtraError].(string); ok {
		res.Reason = reason
	}
	return res, nil
}

// failUnstarted marks an invocation failed after the engine refused to
// start its workflow. Best-effort: a persistence failure here leaves the
// row running for stale cleanup to collect.
func (r *Runner) failUnstarted(ctx context.Context, invocationID string) {
	persistCtx := context.WithoutCancel(ctx)
	status := store.StatusFailed
	now := time.Now().UTC()
	_, err := r.store.UpdateWorkflowInvocation(persistCtx, store.InvocationPatch{
		InvocationID: invocationID,
		Status:       &status,
		EndTime:      &now,
		Extras:       map[string]any{store.ExtraError: "workflow_start_failed"},
	})
	if err != nil {
		r.logger.Warn(persistCtx, "failed to mark unstarted invocation",
			"invocation_id", invocationID,
			"err", err)
	}
}

func (r *Runner) storeHandle(invocationID string, h engine.WorkflowHandle) {
	r.handleMu.Lock()
	if h == nil {
		delete(r.handles, invocationID)
	} else {
		r.handles[invocationID] = h
	}
	r.handleMu.Unlock()
}

func (r *Runner) handle(invocationID string) (engine.WorkflowHandle, bool) {
	r.handleMu.RLock()
	h, ok := r.handles[invocationID]
	r.handleMu.RUnlock()
	return h, ok
}

// pipelineStrategy maps the configured strategy revision to the pipeline
// strategy name.
func pipelineStrategy(s config.Strategy) pipeline.Strategy {
	if s == config.StrategyV2 {
		return pipeline.StrategyMultiStepV2
	}
	return pipeline.StrategyMultiStepV3
}
