// Package pipeline runs single node invocations. A run moves through
// three phases: prepare resolves the node's tools and builds the
// incoming context message, execute drives the chosen strategy until
// the trace closes on a terminate step, and process derives the final
// output and routes hand-off messages to downstream nodes.
//
// Strategies: single_call delegates the exchange to one orchestrated
// completion, multi_step_v2 and multi_step_v3 run a bounded selector
// round loop, and direct_sdk hands the node to an external agent SDK
// adapter. Failures never escape as Go errors or panics: the result
// always carries the trace built up to the failure point plus a short
// reason string.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"goa.design/loom/runtime/handoff"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/planner"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/trace"
	"goa.design/loom/runtime/workflow"
)

type (
	// Strategy names the execution style chosen for a node invocation.
	Strategy string

	// Request describes one node invocation to run.
	Request struct {
		// InvocationID identifies the enclosing workflow invocation.
		InvocationID string
		// VersionID identifies the workflow version being executed.
		VersionID string
		// Node is the node configuration to run.
		Node workflow.NodeConfig
		// Memory is the node's committed memory snapshot.
		Memory map[string]string
		// MainGoal is the top-level goal of the workflow run.
		MainGoal string
		// Payload is the routed message payload.
		Payload json.RawMessage
		// Files lists file references attached to the invocation.
		Files []string
	}

	// Result is what a run hands back to the executor. Error is a short
	// reason string; when set the node invocation failed and no
	// hand-off messages are produced.
	Result struct {
		// Strategy is the execution style that ran.
		Strategy Strategy
		// FinalOutput is the node's answer: the terminate step content,
		// falling back to the last text step.
		FinalOutput string
		// Summary is the short run summary prefixed with the node id.
		Summary string
		// NextIDs lists the successor nodes to message.
		NextIDs []string
		// Replies carries one payload per successor.
		Replies []handoff.Reply
		// Cost is the total USD spend of the run, hand-off selection
		// included.
		Cost float64
		// Trace is the step-by-step record of the run.
		Trace *trace.Trace
		// UpdatedMemory is the proposed memory mapping when learning
		// produced one. Nil otherwise; the executor commits it.
		UpdatedMemory map[string]string
		// DebugPrompts collects the selector and hand-off prompts.
		DebugPrompts []string
		// Error is empty on success.
		Error string
	}

	// ToolResolver builds the tool set a node asked for.
	ToolResolver interface {
		Resolve(ctx context.Context, names []tools.Ident, ic tools.InitContext) (tools.Set, error)
	}

	// Options configures a Pipeline.
	Options struct {
		// Tools resolves node tool lists. Required.
		Tools ToolResolver
		// Caller issues orchestrated completions. Required.
		Caller *model.Caller
		// Model is the default provider model. Required.
		Model string
		// Selector picks the next action in multi-step runs. Required.
		Selector planner.Selector
		// Handoff routes successor messages. Required.
		Handoff *handoff.Resolver
		// SDK runs direct-SDK nodes. Nodes flagged use_direct_sdk fail
		// when nil.
		SDK SDKClient
		// Spend gates and accumulates cost. Optional.
		Spend spend.Tracker
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics receives run counters and timings. Optional.
		Metrics telemetry.Metrics

		// MultiStepEnabled turns the selector round loop on for nodes
		// with at least one tool.
		MultiStepEnabled bool
		// MultiStepStrategy selects the loop flavor. Defaults to
		// StrategyMultiStepV3.
		MultiStepStrategy Strategy
		// MaxRoundsDefault bounds selector rounds for nodes without
		// their own max_steps. Defaults to 6, capped at 10.
		MaxRoundsDefault int
		// SingleCallMaxStepsDefault bounds provider rounds in
		// single-call mode. Defaults to 1, capped at 10.
		SingleCallMaxStepsDefault int
		// SummaryModel is the model used for summaries and learning.
		// Defaults to Model.
		SummaryModel string
		// TraceBound caps steps kept per trace. Zero keeps the trace
		// package default.
		TraceBound int
	}

	// Pipeline runs node invocations. Safe for concurrent use.
	Pipeline struct {
		tools        ToolResolver
		caller       *model.Caller
		model        string
		selector     planner.Selector
		handoff      *handoff.Resolver
		sdk          SDKClient
		spend        spend.Tracker
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		multiStep    bool
		strategy     Strategy
		maxRounds    int
		singleSteps  int
		summaryModel string
		traceBound   int
	}

	// prepared is the outcome of the prepare phase.
	prepared struct {
		strategy Strategy
		modelID  string
		maxSteps int
		incoming string
		tools    tools.Set
	}
)

const (
	// StrategySingleCall delegates the whole exchange to one
	// orchestrated completion.
	StrategySingleCall Strategy = "single_call"
	// StrategyMultiStepV2 runs the selector round loop without mutation
	// markers, self-checks and per-tool summaries.
	StrategyMultiStepV2 Strategy = "multi_step_v2"
	// StrategyMultiStepV3 runs the full selector round loop.
	StrategyMultiStepV3 Strategy = "multi_step_v3"
	// StrategyDirectSDK hands the node to an external agent SDK.
	StrategyDirectSDK Strategy = "direct_sdk"
)

// Short failure reasons surfaced in Result.Error.
const (
	ReasonSpendingExceeded = "spending_exceeded"
	ReasonCancelled        = "cancelled"
	ReasonProviderError    = "ai_provider_error"
	ReasonInternalError    = "internal_error"
)

const (
	// stepCeiling is the hard cap on rounds for every strategy.
	stepCeiling        = 10
	defaultMaxRounds   = 6
	defaultSingleSteps = 1
)

// New builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Tools == nil {
		return nil, errors.New("tool resolver is required")
	}
	if opts.Caller == nil {
		return nil, errors.New("caller is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.Selector == nil {
		return nil, errors.New("selector is required")
	}
	if opts.Handoff == nil {
		return nil, errors.New("handoff resolver is required")
	}
	strategy := opts.MultiStepStrategy
	switch strategy {
	case "":
		strategy = StrategyMultiStepV3
	case StrategyMultiStepV2, StrategyMultiStepV3:
	default:
		return nil, fmt.Errorf("unknown multi-step strategy %q", strategy)
	}
	maxRounds := opts.MaxRoundsDefault
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	if maxRounds > stepCeiling {
		maxRounds = stepCeiling
	}
	singleSteps := opts.SingleCallMaxStepsDefault
	if singleSteps <= 0 {
		singleSteps = defaultSingleSteps
	}
	if singleSteps > stepCeiling {
		singleSteps = stepCeiling
	}
	summaryModel := opts.SummaryModel
	if summaryModel == "" {
		summaryModel = opts.Model
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Pipeline{
		tools:        opts.Tools,
		caller:       opts.Caller,
		model:        opts.Model,
		selector:     opts.Selector,
		handoff:      opts.Handoff,
		sdk:          opts.SDK,
		spend:        opts.Spend,
		logger:       logger,
		metrics:      opts.Metrics,
		multiStep:    opts.MultiStepEnabled,
		strategy:     strategy,
		maxRounds:    maxRounds,
		singleSteps:  singleSteps,
		summaryModel: summaryModel,
		traceBound:   opts.TraceBound,
	}, nil
}

// Run executes one node invocation. Failures never surface as a Go
// error or panic: the returned result carries a short reason in Error
// together with the trace built up to that point.
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result) {
	started := time.Now()
	tr := trace.NewBounded(p.traceBound)
	res = &Result{Trace: tr}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, "node invocation panicked",
				"invocation_id", req.InvocationID,
				"node_id", req.Node.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("internal failure: %v", r)})
			p.closeTrace(ctx, tr, "internal failure")
			res.Error = ReasonInternalError
			res.NextIDs = nil
			res.Replies = nil
		}
		p.observe(req.Node.ID, res, time.Since(started))
	}()

	prep, reason := p.prepare(ctx, req, tr)
	if reason != "" {
		res.Error = reason
		p.process(ctx, req, tr, res)
		return res
	}
	res.Strategy = prep.strategy

	if prep.maxSteps == 0 {
		// No rounds allowed: terminate immediately without any AI call.
		p.appendStep(ctx, tr, trace.TerminateStep{Summary: "terminated without execution"})
		p.process(ctx, req, tr, res)
		return res
	}

	switch prep.strategy {
	case StrategyDirectSDK:
		p.runSDK(ctx, req, prep, tr, res)
	case StrategyMultiStepV2, StrategyMultiStepV3:
		p.runMultiStep(ctx, req, prep, tr, res)
	default:
		p.runSingleCall(ctx, req, prep, tr, res)
	}

	p.process(ctx, req, tr, res)
	return res
}

// prepare resolves tools, picks the strategy and builds the incoming
// context message. A non-empty reason means the run failed before any
// model call.
func (p *Pipeline) prepare(ctx context.Context, req Request, tr *trace.Trace) (prepared, string) {
	var prep prepared
	prep.modelID = req.Node.ModelName
	if prep.modelID == "" {
		prep.modelID = p.model
	}

	names := make([]tools.Ident, 0, len(req.Node.CodeTools)+len(req.Node.MCPTools))
	for _, n := range req.Node.CodeTools {
		names = append(names, tools.Ident(n))
	}
	for _, n := range req.Node.MCPTools {
		names = append(names, tools.Ident(n))
	}
	set, err := p.tools.Resolve(ctx, names, tools.InitContext{
		WorkflowInvocationID: req.InvocationID,
		WorkflowVersionID:    req.VersionID,
		NodeID:               req.Node.ID,
		MainGoal:             req.MainGoal,
		Files:                req.Files,
	})
	if err != nil {
		p.logger.Error(ctx, "tool resolution failed",
			"invocation_id", req.InvocationID,
			"node_id", req.Node.ID,
			"err", err)
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("tool resolution failed: %v", err)})
		p.closeTrace(ctx, tr, "tool resolution failed")
		return prep, "tool_resolution_failed"
	}
	prep.tools = set

	prep.strategy, prep.maxSteps = p.selectStrategy(req.Node, len(set))
	prep.incoming = incomingMessage(payloadText(req.Payload), req.Memory)
	return prep, ""
}

// selectStrategy picks the execution style and its round budget.
func (p *Pipeline) selectStrategy(node workflow.NodeConfig, toolCount int) (Strategy, int) {
	if node.UseDirectSDK {
		return StrategyDirectSDK, effectiveSteps(node.MaxSteps, p.singleSteps)
	}
	if p.multiStep && toolCount > 0 {
		return p.strategy, effectiveSteps(node.MaxSteps, p.maxRounds)
	}
	return StrategySingleCall, effectiveSteps(node.MaxSteps, p.singleSteps)
}

// effectiveSteps resolves the round budget: the node override when set,
// the strategy default otherwise, never above the hard cap. Zero is
// valid and means terminate immediately.
func effectiveSteps(nodeMax *int, fallback int) int {
	steps := fallback
	if nodeMax != nil {
		steps = *nodeMax
	}
	if steps > stepCeiling {
		steps = stepCeiling
	}
	return steps
}

// process derives the final output and summary, then routes hand-offs.
// Failed runs keep their trace-derived output but emit no messages.
func (p *Pipeline) process(ctx context.Context, req Request, tr *trace.Trace, res *Result) {
	if term, ok := tr.Terminate(); ok {
		res.FinalOutput = term.Content
		res.Summary = summaryWithInfo(req.Node.ID, term.Summary)
	}
	if res.FinalOutput == "" {
		if txt, ok := tr.LastText(); ok {
			res.FinalOutput = txt
		}
	}
	if res.Error != "" {
		return
	}

	hres, err := p.handoff.Resolve(ctx, handoff.Input{
		InvocationID: req.InvocationID,
		NodeID:       req.Node.ID,
		SystemPrompt: req.Node.SystemPrompt,
		HandOffs:     req.Node.HandOffs,
		HandOffType:  req.Node.HandOffType,
		Output:       res.FinalOutput,
	})
	if err != nil {
		p.logger.Error(ctx, "handoff resolution failed",
			"invocation_id", req.InvocationID,
			"node_id", req.Node.ID,
			"err", err)
		res.Error = "handoff_failed"
		return
	}
	res.NextIDs = hres.NextIDs
	res.Replies = hres.Replies
	res.Cost += hres.Cost
	if hres.DebugPrompt != "" {
		res.DebugPrompts = append(res.DebugPrompts, hres.DebugPrompt)
	}
}

// appendStep adds a step, logging instead of failing when the trace
// already closed.
func (p *Pipeline) appendStep(ctx context.Context, tr *trace.Trace, step trace.Step) {
	if err := tr.Append(step); err != nil {
		p.logger.Warn(ctx, "trace append rejected", "err", err)
	}
}

// closeTrace appends the closing terminate step when the trace does not
// have one yet. Every trace ends on terminate, failed runs included.
func (p *Pipeline) closeTrace(ctx context.Context, tr *trace.Trace, summary string) {
	if tr.Terminated() {
		return
	}
	content := ""
	if txt, ok := tr.LastText(); ok {
		content = txt
	}
	p.appendStep(ctx, tr, trace.TerminateStep{Content: content, Summary: summary})
}

// addCost records provider spend in both the tracker and the result.
func (p *Pipeline) addCost(invocationID string, usd float64, res *Result) {
	if usd == 0 {
		return
	}
	res.Cost += usd
	if p.spend != nil {
		p.spend.AddCost(invocationID, usd)
	}
}

// overBudget reports whether the invocation hit the spending cap. No
// AI or tool call may be issued once it does.
func (p *Pipeline) overBudget(invocationID string) bool {
	if p.spend == nil {
		return false
	}
	return p.spend.Check(invocationID) != nil
}

// failSpending closes the run as failed on a cap hit.
func (p *Pipeline) failSpending(ctx context.Context, tr *trace.Trace, res *Result) {
	p.appendStep(ctx, tr, trace.ErrorStep{Reason: "spending cap exceeded"})
	p.closeTrace(ctx, tr, "spending cap exceeded")
	res.Error = ReasonSpendingExceeded
}

// failCancelled closes the run as failed on context cancellation.
func (p *Pipeline) failCancelled(ctx context.Context, tr *trace.Trace, res *Result) {
	p.appendStep(ctx, tr, trace.ErrorStep{Reason: "run cancelled"})
	p.closeTrace(ctx, tr, "run cancelled")
	res.Error = ReasonCancelled
}

// failureReason maps a Go error from a model call to a result reason.
func failureReason(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCancelled
	}
	return ReasonProviderError
}

func (p *Pipeline) observe(nodeID string, res *Result, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if res.Error != "" {
		status = "failed"
	}
	p.metrics.IncCounter(telemetry.MetricNodeInvocations, 1,
		"node", nodeID, "strategy", string(res.Strategy), "status", status)
	p.metrics.RecordTimer(telemetry.MetricNodeTime, elapsed, "node", nodeID)
	p.metrics.IncCounter(telemetry.MetricSteps, float64(res.Trace.Len()), "node", nodeID)
}

// summaryWithInfo prefixes the run summary with the node id.
func summaryWithInfo(nodeID, summary string) string {
	if summary == "" {
		return fmt.Sprintf("[node %s]", nodeID)
	}
	return fmt.Sprintf("[node %s] %s", nodeID, summary)
}
