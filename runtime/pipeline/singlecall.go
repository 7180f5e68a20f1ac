package pipeline

import (
	"context"
	"fmt"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/trace"
)

// runSingleCall delegates the whole exchange to one orchestrated
// completion. A provider fault here ends the run: there is no later
// round that could repair it.
func (p *Pipeline) runSingleCall(ctx context.Context, req Request, prep prepared, tr *trace.Trace, res *Result) {
	if p.overBudget(req.InvocationID) {
		p.failSpending(ctx, tr, res)
		return
	}

	creq := model.CompleteRequest{
		Model: prep.modelID,
		Messages: []*model.Message{
			model.SystemMessage(nodeSystemPrompt(req)),
			model.UserMessage(prep.incoming),
		},
		Tools:    prep.tools,
		MaxSteps: prep.maxSteps,
		Repair:   true,
	}
	if len(prep.tools) == 1 {
		creq.ToolChoice = model.ToolChoice{Kind: model.ToolChoiceRequired}
		creq.MaxSteps = 1
	}

	cres, err := p.caller.Complete(ctx, creq)
	p.addCost(req.InvocationID, cres.Cost, res)
	p.appendExchanges(ctx, req, tr, res, cres, false)
	if err != nil {
		p.logger.Error(ctx, "single call failed",
			"invocation_id", req.InvocationID,
			"node_id", req.Node.ID,
			"err", err)
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("model call failed: %v", err)})
		p.closeTrace(ctx, tr, "model call failed")
		res.Error = failureReason(err)
		return
	}
	if cres.Failure != nil {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: cres.Failure.Message})
		p.closeTrace(ctx, tr, "model returned no usable answer")
		res.Error = ReasonProviderError
		return
	}
	if cres.Content != "" {
		p.appendStep(ctx, tr, trace.TextStep{Content: cres.Content})
	}
	p.finalize(ctx, req, prep, tr, res, "")
}

// appendExchanges converts executed tool calls to trace steps. With
// summarize set each successful call also gets a one-line summary.
func (p *Pipeline) appendExchanges(ctx context.Context, req Request, tr *trace.Trace, res *Result, cres *model.CompleteResult, summarize bool) bool {
	executed := false
	for _, ex := range cres.Exchanges {
		if ex.Err != "" {
			// The failure text already names the tool.
			p.appendStep(ctx, tr, trace.ErrorStep{Reason: ex.Err})
			continue
		}
		executed = true
		step := trace.ToolStep{Name: string(ex.Call.Name), Args: ex.Call.Args, Return: ex.Return}
		if summarize {
			step.Summary = p.summarize(ctx, req, res, toolSummaryPrompt(string(ex.Call.Name), ex.Return), "")
		}
		p.appendStep(ctx, tr, step)
	}
	return executed
}
