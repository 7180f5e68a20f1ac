package model

import (
	"context"
	"errors"
	"fmt"

	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
)

type (
	// Mode selects what one completion call is allowed to produce.
	Mode string

	// CompleteRequest describes one orchestrated completion: a bounded loop
	// of provider rounds with tool execution in between.
	CompleteRequest struct {
		// Model is the provider-specific model identifier. Required.
		Model string

		// Messages is the starting conversation. Required.
		Messages []*Message

		// Mode is ModeText or ModeTool. Empty defaults to ModeTool when
		// Tools is non-empty, ModeText otherwise.
		Mode Mode

		// Tools holds the callable handles offered to the model in
		// ModeTool. Definitions sent to the provider are derived from the
		// handles in sorted name order.
		Tools tools.Set

		// ToolChoice applies to the first round only; later rounds relax to
		// auto so the model can produce the closing text.
		ToolChoice ToolChoice

		// MaxSteps bounds provider rounds. Values below 1 mean 1.
		MaxSteps int

		// Repair controls failure feedback: when true, tool failures are
		// sent back to the model so a later round can correct them; when
		// false, the loop stops after the first round that contains a
		// failed call.
		Repair bool

		// SaveOutputs collects successful tool returns into
		// CompleteResult.Outputs for the caller to persist.
		SaveOutputs bool

		// MaxTokens and Temperature pass through to every round.
		MaxTokens   int
		Temperature float32
	}

	// ToolExchange records one executed tool call.
	ToolExchange struct {
		// Call is the invocation the model requested.
		Call ToolCall
		// Return is the tool output on success.
		Return string
		// Err is the readable failure sent back to the model, empty on
		// success.
		Err string
	}

	// Failure describes a model-level failure. Carried in the result, not
	// as a Go error: cost and usage accumulated before the failure still
	// matter to the caller.
	Failure struct {
		// Message summarizes what went wrong.
		Message string
		// DebugOutput carries provider context useful for diagnosis.
		DebugOutput string
	}

	// CompleteResult is the outcome of an orchestrated completion. Usage
	// and Cost accumulate across all rounds and are valid even when Failure
	// is set or an error was returned.
	CompleteResult struct {
		// Content is the final assistant text. Empty when the call ended
		// on tool execution without a closing text round.
		Content string

		// Exchanges lists the tool calls executed, in execution order.
		Exchanges []ToolExchange

		// Outputs collects successful tool returns when SaveOutputs was
		// set.
		Outputs []string

		// FinishReason is the stop reason of the last provider round.
		FinishReason string

		// Usage is the accumulated token usage.
		Usage TokenUsage

		// Cost is the accumulated USD cost.
		Cost float64

		// Failure is set for model-level failures. Nil on success.
		Failure *Failure
	}

	// CallerOptions configures a Caller.
	CallerOptions struct {
		// Client is the provider client. Required.
		Client Client
		// Logger receives tool failure and loop diagnostics. Defaults to
		// the noop logger.
		Logger telemetry.Logger
	}

	// Caller runs orchestrated completions against one provider client.
	// Safe for concurrent use.
	Caller struct {
		client Client
		logger telemetry.Logger
	}
)

const (
	// ModeText requests a plain text answer; tools are not offered.
	ModeText Mode = "text"
	// ModeTool offers tools and executes requested calls between rounds.
	ModeTool Mode = "tool"
)

// NewCaller builds a Caller.
func NewCaller(opts CallerOptions) (*Caller, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Caller{client: opts.Client, logger: logger}, nil
}

// Complete runs the bounded completion loop. Model-level failures land in
// CompleteResult.Failure with cost and usage intact; the returned error is
// non-nil only for faults the loop cannot recover from, such as provider
// connectivity or context cancellation, and the partial result still carries
// the cost accumulated so far.
func (c *Caller) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	res := &CompleteResult{}
	if req.Model == "" {
		return res, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return res, errors.New("messages are required")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeText
		if len(req.Tools) > 0 {
			mode = ModeTool
		}
	}
	maxSteps := req.MaxSteps
	if maxSteps < 1 {
		maxSteps = 1
	}

	messages := append([]*Message(nil), req.Messages...)
	defs := definitions(req.Tools)

	for step := 1; step <= maxSteps; step++ {
		pr := Request{
			Model:       req.Model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
		if mode == ModeTool && len(defs) > 0 {
			pr.Tools = defs
			if step == 1 {
				pr.ToolChoice = req.ToolChoice
			} else {
				pr.ToolChoice = ToolChoice{Kind: ToolChoiceAuto}
			}
		}

		resp, err := c.client.Complete(ctx, pr)
		res.Usage.Add(resp.Usage)
		res.Cost += resp.Cost
		if err != nil {
			return res, fmt.Errorf("complete %s: %w", req.Model, err)
		}
		res.FinishReason = resp.StopReason

		if mode == ModeTool && len(resp.ToolCalls) > 0 {
			messages = append(messages, &Message{
				Role:    RoleAssistant,
				Content: resp.Content,
				Calls:   resp.ToolCalls,
			})
			failed := false
			for _, call := range resp.ToolCalls {
				ex := ToolExchange{Call: call}
				out, terr := c.runTool(ctx, req.Tools, call)
				if terr != nil {
					failed = true
					ex.Err = failureText(terr)
					messages = append(messages, ToolResultMessage(call, ex.Err))
				} else {
					ex.Return = out
					messages = append(messages, ToolResultMessage(call, out))
					if req.SaveOutputs {
						res.Outputs = append(res.Outputs, out)
					}
				}
				res.Exchanges = append(res.Exchanges, ex)
			}
			if failed && !req.Repair {
				break
			}
			continue
		}

		if resp.Content != "" {
			res.Content = resp.Content
			return res, nil
		}

		res.Failure = &Failure{
			Message:     "model returned an empty response",
			DebugOutput: fmt.Sprintf("stop_reason=%s", resp.StopReason),
		}
		return res, nil
	}

	if len(res.Exchanges) > 0 {
		if res.FinishReason == "" {
			res.FinishReason = StopReasonToolCalls
		}
		return res, nil
	}
	res.Failure = &Failure{
		Message: fmt.Sprintf("no usable response after %d steps", maxSteps),
	}
	return res, nil
}

// LastReturn returns the output of the last successful tool call.
func (r *CompleteResult) LastReturn() (string, bool) {
	for i := len(r.Exchanges) - 1; i >= 0; i-- {
		if r.Exchanges[i].Err == "" {
			return r.Exchanges[i].Return, true
		}
	}
	return "", false
}

func (c *Caller) runTool(ctx context.Context, set tools.Set, call ToolCall) (string, error) {
	h, ok := set.Get(call.Name)
	if !ok {
		return "", &tools.Error{
			Tool: call.Name,
			Kind: tools.KindInvalidArguments,
			Err:  errors.New("unknown tool"),
		}
	}
	out, err := h.Call(ctx, call.Args)
	if err != nil {
		c.logger.Warn(ctx, "tool call failed", "tool", call.Name, "err", err)
		return "", err
	}
	return out, nil
}

func failureText(err error) string {
	var terr *tools.Error
	if errors.As(err, &terr) {
		return terr.Message()
	}
	return err.Error()
}

func definitions(set tools.Set) []*ToolDefinition {
	if len(set) == 0 {
		return nil
	}
	defs := make([]*ToolDefinition, 0, len(set))
	for _, name := range set.Names() {
		h := set[name]
		defs = append(defs, &ToolDefinition{
			Name:        h.Name(),
			Description: h.Description(),
			InputSchema: h.Schema(),
		})
	}
	return defs
}
