package pipeline

import (
	"context"
	"fmt"

	"goa.design/loom/runtime/trace"
)

type (
	// SDKRequest is the flattened prompt handed to an external agent
	// SDK adapter.
	SDKRequest struct {
		// InvocationID identifies the enclosing workflow invocation.
		InvocationID string
		// NodeID names the node being run.
		NodeID string
		// Model is the provider model to use when the adapter honors
		// model selection.
		Model string
		// Prompt is the concatenated system prompt and user text.
		Prompt string
		// Files lists file references attached to the invocation.
		Files []string
	}

	// SDKOutcome is what an adapter brings back from one blocking run.
	// Cost is tracked as SDK spend, separate from direct model spend.
	SDKOutcome struct {
		// Output is the final answer text.
		Output string
		// Steps is the transcript mapped to trace steps. Terminate
		// steps are ignored; the pipeline closes the trace itself.
		Steps []trace.Step
		// Cost is the USD spend the adapter reported.
		Cost float64
		// Failure is a readable reason when the run produced no usable
		// answer. Empty on success.
		Failure string
	}

	// SDKClient adapts an external agent SDK to one blocking run per
	// node invocation.
	SDKClient interface {
		Run(ctx context.Context, req SDKRequest) (*SDKOutcome, error)
	}
)

// runSDK hands the node to the configured SDK adapter: one prompt in,
// one transcript out. There is no round loop here.
func (p *Pipeline) runSDK(ctx context.Context, req Request, prep prepared, tr *trace.Trace, res *Result) {
	if p.sdk == nil {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: "no SDK adapter configured"})
		p.closeTrace(ctx, tr, "no SDK adapter configured")
		res.Error = "sdk_unavailable"
		return
	}
	if p.overBudget(req.InvocationID) {
		p.failSpending(ctx, tr, res)
		return
	}

	prompt := nodeSystemPrompt(req) + "\n\n" + prep.incoming
	p.appendStep(ctx, tr, trace.PrepareStep{Content: prompt})

	out, err := p.sdk.Run(ctx, SDKRequest{
		InvocationID: req.InvocationID,
		NodeID:       req.Node.ID,
		Model:        prep.modelID,
		Prompt:       prompt,
		Files:        req.Files,
	})
	if out != nil && out.Cost > 0 {
		res.Cost += out.Cost
		if p.spend != nil {
			p.spend.AddSDKCost(req.InvocationID, out.Cost)
		}
	}
	if err != nil {
		p.logger.Error(ctx, "sdk run failed",
			"invocation_id", req.InvocationID,
			"node_id", req.Node.ID,
			"err", err)
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("sdk run failed: %v", err)})
		p.closeTrace(ctx, tr, "sdk run failed")
		res.Error = failureReason(err)
		return
	}

	for _, step := range out.Steps {
		if _, ok := step.(trace.TerminateStep); ok {
			continue
		}
		p.appendStep(ctx, tr, step)
	}
	if out.Failure != "" {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: out.Failure})
		p.closeTrace(ctx, tr, "sdk run produced no usable answer")
		res.Error = ReasonProviderError
		return
	}
	if out.Output != "" {
		if txt, ok := tr.LastText(); !ok || txt != out.Output {
			p.appendStep(ctx, tr, trace.TextStep{Content: out.Output})
		}
	}
	p.finalize(ctx, req, prep, tr, res, "")
}
