package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/planner"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/trace"
)

// runMultiStep drives the selector round loop. Each round asks the
// selector for a decision and executes it: terminate closes the run,
// error burns the round, call_tool issues exactly one named tool call.
// V3 adds mutation markers, per-tool summaries and a self-check of the
// declared expectation; V2 runs the bare skeleton. The last allowed
// round always terminates, so the loop cannot leave the trace open.
func (p *Pipeline) runMultiStep(ctx context.Context, req Request, prep prepared, tr *trace.Trace, res *Result) {
	v3 := prep.strategy == StrategyMultiStepV3

	for round := 1; round <= prep.maxSteps; round++ {
		if ctx.Err() != nil {
			p.failCancelled(ctx, tr, res)
			return
		}
		if p.overBudget(req.InvocationID) {
			p.failSpending(ctx, tr, res)
			return
		}
		roundsLeft := prep.maxSteps - round + 1

		sel, err := p.selector.Select(ctx, planner.Input{
			InvocationID: req.InvocationID,
			NodeID:       req.Node.ID,
			SystemPrompt: req.Node.SystemPrompt,
			MainGoal:     req.MainGoal,
			Memory:       req.Memory,
			Trace:        tr,
			RoundsLeft:   roundsLeft,
			Tools:        prep.tools,
		})
		if sel != nil {
			// Selector spend lands in the tracker inside Select.
			res.Cost += sel.Cost
			if sel.DebugPrompt != "" {
				res.DebugPrompts = append(res.DebugPrompts, sel.DebugPrompt)
			}
		}
		if err != nil {
			var exceeded *spend.ExceededError
			if errors.As(err, &exceeded) {
				p.failSpending(ctx, tr, res)
				return
			}
			if failureReason(err) == ReasonCancelled {
				p.failCancelled(ctx, tr, res)
				return
			}
			p.logger.Warn(ctx, "selector round failed",
				"node_id", req.Node.ID, "round", round, "err", err)
			p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("selector failed: %v", err)})
			continue
		}

		d := sel.Decision
		if d.Kind == planner.DecisionTerminate || roundsLeft == 1 {
			p.finalize(ctx, req, prep, tr, res, d.Reasoning)
			return
		}
		if d.Kind == planner.DecisionError {
			reason := d.Reasoning
			if reason == "" {
				reason = "selector returned an error decision"
			}
			p.appendStep(ctx, tr, trace.ErrorStep{Reason: reason})
			continue
		}

		p.appendStep(ctx, tr, trace.ReasoningStep{Content: reasoningContent(d, v3)})
		executed := p.invokeTool(ctx, req, prep, tr, res, d, v3)
		if executed && v3 {
			p.selfCheck(ctx, tr, d.Check)
		}
	}

	// Loop exhausted without an explicit terminate.
	if !tr.Terminated() {
		p.finalize(ctx, req, prep, tr, res, "")
	}
}

// invokeTool issues the selected tool call through a one-round
// completion restricted to that tool. Failures become error steps and
// the loop moves on; the next selector round sees them in the trace.
func (p *Pipeline) invokeTool(ctx context.Context, req Request, prep prepared, tr *trace.Trace, res *Result, d planner.Decision, v3 bool) bool {
	h, ok := prep.tools.Get(d.ToolName)
	if !ok {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("tool %s is not available", d.ToolName)})
		return false
	}

	cres, err := p.caller.Complete(ctx, model.CompleteRequest{
		Model:      prep.modelID,
		Messages:   toolCallMessages(req, prep, tr, d),
		Mode:       model.ModeTool,
		Tools:      tools.Set{d.ToolName: h},
		ToolChoice: model.ChooseTool(d.ToolName),
		MaxSteps:   1,
		Repair:     false,
	})
	p.addCost(req.InvocationID, cres.Cost, res)
	if err != nil {
		p.logger.Warn(ctx, "tool round failed",
			"node_id", req.Node.ID, "tool", d.ToolName, "err", err)
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("model call for tool %s failed: %v", d.ToolName, err)})
		return false
	}
	executed := p.appendExchanges(ctx, req, tr, res, cres, v3)
	if cres.Failure != nil && len(cres.Exchanges) == 0 {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: cres.Failure.Message})
	}
	return executed
}

// selfCheck verifies the latest tool output against the declared
// expectation. One token hit anywhere in the output passes; a miss
// becomes an error step the next selector round may repair.
func (p *Pipeline) selfCheck(ctx context.Context, tr *trace.Trace, check string) {
	tokens := checkTokens(check)
	if len(tokens) == 0 {
		return
	}
	out, ok := tr.LastToolReturn()
	if !ok {
		return
	}
	haystack := strings.ToLower(out)
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			return
		}
	}
	p.appendStep(ctx, tr, trace.ErrorStep{
		Reason: fmt.Sprintf("Self-check failed: none of %s found in the tool output", strings.Join(tokens, ", ")),
	})
}

// checkTokens extracts the keywords and numeric tokens of a check
// string: lowercased words of three or more characters plus anything
// carrying a digit, stopwords removed.
func checkTokens(check string) []string {
	fields := strings.FieldsFunc(strings.ToLower(check), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) < 3 && !hasDigit(f) {
			continue
		}
		if stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "not": true,
	"you": true, "any": true, "all": true, "should": true, "contain": true,
	"contains": true, "output": true,
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// reasoningContent folds the decision rationale, plan and check into
// one reasoning step. V3 appends the mutation marker when the selector
// flagged the call as state-changing.
func reasoningContent(d planner.Decision, v3 bool) string {
	parts := make([]string, 0, 4)
	if d.Reasoning != "" {
		parts = append(parts, d.Reasoning)
	}
	if d.Plan != "" {
		parts = append(parts, "Plan: "+d.Plan)
	}
	if d.Check != "" {
		parts = append(parts, "Check: "+d.Check)
	}
	if v3 && d.ExpectsMutation {
		parts = append(parts, "[EXPECTS_MUTATION]")
	}
	return strings.Join(parts, "\n")
}

// toolCallMessages builds the conversation for one named tool call: the
// node identity as system message, then the incoming context, the trace
// so far and the plan to execute.
func toolCallMessages(req Request, prep prepared, tr *trace.Trace, d planner.Decision) []*model.Message {
	var b strings.Builder
	b.WriteString(prep.incoming)
	b.WriteString("\n\nSteps taken so far:\n")
	b.WriteString(tr.Render())
	fmt.Fprintf(&b, "\n\nCall the %s tool now.", d.ToolName)
	if d.Plan != "" {
		fmt.Fprintf(&b, " Plan: %s", d.Plan)
	}
	return []*model.Message{
		model.SystemMessage(nodeSystemPrompt(req)),
		model.UserMessage(b.String()),
	}
}
