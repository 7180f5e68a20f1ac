package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/trace"
)

const (
	// summaryRetries bounds retries for summary calls.
	summaryRetries = 2
	// summaryMaxTokens bounds summary completions.
	summaryMaxTokens = 256
	// learningMaxTokens bounds the learning completion.
	learningMaxTokens = 512
	// toolOutputSample caps the tool output shown to the summarizer.
	toolOutputSample = 2000
	// fallbackSummaryLen caps the trace-derived fallback summary.
	fallbackSummaryLen = 140
)

// finalize closes a successful run: the learning pass proposes a memory
// update, then the terminate step lands with a short summary. Content
// precedence: last text step, last successful tool return, then the
// selector's closing rationale.
func (p *Pipeline) finalize(ctx context.Context, req Request, prep prepared, tr *trace.Trace, res *Result, reasoning string) {
	p.learn(ctx, req, prep, tr, res)
	content := terminateContent(tr, reasoning)
	summary := p.summarize(ctx, req, res, summaryPrompt(tr, req.MainGoal), fallbackSummary(content))
	p.appendStep(ctx, tr, trace.TerminateStep{Content: content, Summary: summary})
}

// learn asks the model for the node's updated memory mapping. A usable
// mapping becomes a learning step and the proposed delta; failures
// become error steps and leave memory unchanged. An empty mapping means
// nothing worth keeping and adds no step.
func (p *Pipeline) learn(ctx context.Context, req Request, prep prepared, tr *trace.Trace, res *Result) {
	if p.overBudget(req.InvocationID) {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: "learning skipped: spending cap exceeded"})
		return
	}

	cres, err := p.caller.Complete(ctx, model.CompleteRequest{
		Model:     p.summaryModel,
		Messages:  []*model.Message{model.UserMessage(learningPrompt(req, tr))},
		Mode:      model.ModeText,
		MaxTokens: learningMaxTokens,
	})
	p.addCost(req.InvocationID, cres.Cost, res)
	if reason := callFailure(cres, err); reason != "" {
		p.logger.Warn(ctx, "learning call failed",
			"invocation_id", req.InvocationID,
			"node_id", req.Node.ID,
			"err", reason)
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: "learning failed: " + reason})
		return
	}

	delta, perr := parseMemoryDelta(cres.Content)
	if perr != nil {
		p.appendStep(ctx, tr, trace.ErrorStep{Reason: fmt.Sprintf("learning produced no usable mapping: %v", perr)})
		return
	}
	if len(delta) == 0 {
		p.logger.Debug(ctx, "learning proposed no memory change", "node_id", req.Node.ID)
		return
	}
	res.UpdatedMemory = delta
	p.appendStep(ctx, tr, trace.LearningStep{Delta: delta})
}

// summarize produces a short summary, retrying failed calls up to
// twice. The fallback is returned when every attempt fails or the
// spending cap is hit.
func (p *Pipeline) summarize(ctx context.Context, req Request, res *Result, prompt, fallback string) string {
	for attempt := 1; attempt <= summaryRetries+1; attempt++ {
		if p.overBudget(req.InvocationID) {
			break
		}
		cres, err := p.caller.Complete(ctx, model.CompleteRequest{
			Model:     p.summaryModel,
			Messages:  []*model.Message{model.UserMessage(prompt)},
			Mode:      model.ModeText,
			MaxTokens: summaryMaxTokens,
		})
		p.addCost(req.InvocationID, cres.Cost, res)
		if reason := callFailure(cres, err); reason != "" {
			p.logger.Warn(ctx, "summary attempt failed",
				"node_id", req.Node.ID, "attempt", attempt, "err", reason)
			continue
		}
		if s := strings.TrimSpace(cres.Content); s != "" {
			return s
		}
	}
	return fallback
}

// terminateContent picks the text carried by the terminate step.
func terminateContent(tr *trace.Trace, reasoning string) string {
	if txt, ok := tr.LastText(); ok {
		return txt
	}
	if ret, ok := tr.LastToolReturn(); ok {
		return ret
	}
	return reasoning
}

// fallbackSummary derives a summary from the terminate content when the
// summarizer is unavailable.
func fallbackSummary(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "completed without output"
	}
	return truncateRunes(content, fallbackSummaryLen)
}

// callFailure folds the two failure channels of a completion into one
// reason string, empty on success.
func callFailure(cres *model.CompleteResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if cres.Failure != nil {
		return cres.Failure.Message
	}
	return ""
}

// parseMemoryDelta decodes the mapping returned by the learning prompt.
func parseMemoryDelta(content string) (map[string]string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty learning response")
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no mapping object in response")
	}
	var delta map[string]string
	if err := json.Unmarshal([]byte(content[start:end+1]), &delta); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return delta, nil
}

// learningPrompt asks for the full updated memory of the node given the
// run's trace.
func learningPrompt(req Request, tr *trace.Trace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You maintain the long-term memory of workflow node %q.\n", req.Node.ID)
	if req.Node.SystemPrompt != "" {
		fmt.Fprintf(&b, "Node instructions: %s\n", req.Node.SystemPrompt)
	}
	if req.MainGoal != "" {
		fmt.Fprintf(&b, "Main workflow goal: %s\n", req.MainGoal)
	}
	if len(req.Memory) > 0 {
		b.WriteString("Current memory:\n")
		for _, k := range sortedKeys(req.Memory) {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Memory[k])
		}
	} else {
		b.WriteString("Current memory is empty.\n")
	}
	b.WriteString("\nSteps taken this run:\n")
	b.WriteString(tr.Render())
	b.WriteString("\n\nReturn the full updated memory as a JSON object mapping string keys to string values.")
	b.WriteString(" Keep entries that still matter, add what this run taught, and return {} when nothing is worth keeping.")
	b.WriteString(" Answer with JSON only.")
	return b.String()
}

// summaryPrompt asks for the closing run summary.
func summaryPrompt(tr *trace.Trace, goal string) string {
	var b strings.Builder
	b.WriteString("Summarize the following workflow node run in one or two sentences.")
	if goal != "" {
		fmt.Fprintf(&b, " The workflow goal is: %s.", goal)
	}
	b.WriteString("\n\n")
	b.WriteString(tr.Render())
	b.WriteString("\n\nAnswer with the summary only.")
	return b.String()
}

// toolSummaryPrompt asks for the one-line summary of a tool output.
func toolSummaryPrompt(name, output string) string {
	return fmt.Sprintf("Summarize the output of tool %q in one short sentence. Output:\n%s\n\nAnswer with the sentence only.",
		name, truncateRunes(output, toolOutputSample))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
