// Package planner decides the next action of a reasoning round. The selector
// is the decision core of multi-step node execution: it reads the step trace
// so far, weighs the remaining rounds, and answers with either a named tool
// call (plus plan and verification hints) or a termination. Implementations
// wrap a model caller; the pipeline enforces the decision.
package planner

import (
	"context"
	"errors"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/trace"
)

// DecisionKind discriminates selector outcomes.
type DecisionKind string

const (
	// DecisionTerminate ends the reasoning loop.
	DecisionTerminate DecisionKind = "terminate"
	// DecisionCallTool requests one named tool call.
	DecisionCallTool DecisionKind = "call_tool"
	// DecisionError records an unusable selector round. The loop continues
	// with the next round.
	DecisionError DecisionKind = "error"
)

type (
	// Selector chooses the next action for one reasoning round.
	Selector interface {
		Select(ctx context.Context, in Input) (*Selection, error)
	}

	// Input carries everything the selector may consider.
	Input struct {
		// InvocationID keys spending checks and cost attribution.
		InvocationID string
		// NodeID identifies the node being executed.
		NodeID string
		// SystemPrompt is the node's configured system prompt.
		SystemPrompt string
		// MainGoal is the workflow-level goal shared by every node.
		MainGoal string
		// Memory is the node's current memory snapshot.
		Memory map[string]string
		// Trace holds the steps taken so far; its rendering is shown to
		// the model.
		Trace *trace.Trace
		// RoundsLeft counts this round and the remaining ones.
		RoundsLeft int
		// Tools enumerates the callable tools with their schemas.
		Tools tools.Set
	}

	// Decision is the parsed selector verdict.
	Decision struct {
		// Kind discriminates the variant.
		Kind DecisionKind
		// ToolName is set for DecisionCallTool and names a member of the
		// offered tool set.
		ToolName tools.Ident
		// Plan describes what the selected call should accomplish.
		Plan string
		// Check lists keywords or numbers expected in the tool output,
		// used for post-hoc verification.
		Check string
		// ExpectsMutation marks calls that should change external state.
		ExpectsMutation bool
		// Reasoning is the model's rationale, recorded in the trace.
		Reasoning string
	}

	// Selection pairs the decision with its audit trail.
	Selection struct {
		Decision Decision
		// DebugPrompt is the full prompt sent to the model.
		DebugPrompt string
		// Cost is the USD cost of the selection call.
		Cost float64
		// Usage reports the tokens consumed.
		Usage model.TokenUsage
	}

	// Options configure an AISelector.
	Options struct {
		// Caller issues the completion. Required.
		Caller *model.Caller
		// Model is the model identifier used for selection. Required.
		Model string
		// Spend gates and records selection spending. Optional.
		Spend spend.Tracker
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// MaxTokens caps the selection response. Zero leaves the provider
		// default.
		MaxTokens int
		// Temperature for the selection call.
		Temperature float32
	}

	// AISelector implements Selector with a model completion per round.
	AISelector struct {
		caller      *model.Caller
		modelID     string
		spend       spend.Tracker
		logger      telemetry.Logger
		maxTokens   int
		temperature float32
	}
)

// New creates an AISelector.
func New(opts Options) (*AISelector, error) {
	if opts.Caller == nil {
		return nil, errors.New("caller is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &AISelector{
		caller:      opts.Caller,
		modelID:     opts.Model,
		spend:       opts.Spend,
		logger:      logger,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}, nil
}

// Select runs one selection round. The spending cap is checked before any
// model call and the call's cost is recorded even when the response is
// unusable. Unusable responses come back as DecisionError, not as Go errors;
// only provider faults and an exceeded cap surface as errors.
func (s *AISelector) Select(ctx context.Context, in Input) (*Selection, error) {
	if s.spend != nil {
		if err := s.spend.Check(in.InvocationID); err != nil {
			return nil, err
		}
	}

	system := identityPrompt(in)
	user := roundPrompt(in)
	sel := &Selection{DebugPrompt: system + "\n\n" + user}

	res, err := s.caller.Complete(ctx, model.CompleteRequest{
		Model: s.modelID,
		Messages: []*model.Message{
			model.SystemMessage(system),
			model.UserMessage(user),
		},
		Mode:        model.ModeText,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	sel.Cost = res.Cost
	sel.Usage = res.Usage
	if s.spend != nil {
		s.spend.AddCost(in.InvocationID, res.Cost)
	}
	if err != nil {
		return sel, err
	}
	if res.Failure != nil {
		sel.Decision = Decision{Kind: DecisionError, Reasoning: res.Failure.Message}
		return sel, nil
	}

	decision, err := parseDecision(res.Content, in.Tools)
	if err != nil {
		s.logger.Warn(ctx, "unusable selector response",
			"node", in.NodeID, "reason", err.Error())
		sel.Decision = Decision{Kind: DecisionError, Reasoning: err.Error()}
		return sel, nil
	}
	sel.Decision = decision
	return sel, nil
}
