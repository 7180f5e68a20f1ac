// Package handoff selects which successors receive a node's output and
// builds the reply payload for each. Parallel fan-out is rule-driven; single
// successor picks among several candidates are delegated to the model with a
// validated fallback to the first declared successor.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/spend"
	"goa.design/loom/runtime/store"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/workflow"
)

// TruncatedContentLimit is the reply length cap under ContentTruncated,
// counted in runes.
const TruncatedContentLimit = 500

type (
	// ContentMode controls how much of the node output travels in reply
	// payloads.
	ContentMode string

	// Coordination selects the message role used for non-terminal replies.
	Coordination string

	// Input describes one resolution request.
	Input struct {
		// InvocationID keys spending checks and cost attribution.
		InvocationID string
		// NodeID is the node whose output is being routed.
		NodeID string
		// SystemPrompt is the node's system prompt, shown to the picking
		// model.
		SystemPrompt string
		// HandOffs lists the declared successors. Empty is treated as a
		// single hand-off to the end sentinel.
		HandOffs []string
		// HandOffType selects the routing rule.
		HandOffType workflow.HandOffType
		// Output is the node's final output text.
		Output string
	}

	// Reply is one outgoing payload addressed to one successor.
	Reply struct {
		// TargetID is the recipient node id, possibly the end sentinel.
		TargetID string
		// Role classifies the message for the executor.
		Role store.MessageRole
		// Content carries the node output under the content mode.
		Content string
	}

	// Resolution is the routing verdict.
	Resolution struct {
		// NextIDs lists the recipients in emit order.
		NextIDs []string
		// Replies holds one payload per recipient, same order.
		Replies []Reply
		// Cost is the USD cost of the pick call, zero when no model was
		// consulted.
		Cost float64
		// DebugPrompt is the pick prompt, empty when no model was
		// consulted.
		DebugPrompt string
	}

	// Options configure a Resolver.
	Options struct {
		// Caller issues pick completions. Required.
		Caller *model.Caller
		// Model is the model identifier used for picks. Required.
		Model string
		// Spend gates pick calls. Optional.
		Spend spend.Tracker
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// ContentMode defaults to ContentFull.
		ContentMode ContentMode
		// Coordination defaults to CoordinationSequential.
		Coordination Coordination
		// MaxTokens caps the pick response. Zero leaves the provider
		// default.
		MaxTokens int
		// Temperature for pick calls.
		Temperature float32
	}

	// Resolver implements successor selection.
	Resolver struct {
		caller       *model.Caller
		modelID      string
		spend        spend.Tracker
		logger       telemetry.Logger
		contentMode  ContentMode
		coordination Coordination
		maxTokens    int
		temperature  float32
	}
)

const (
	// ContentFull forwards the whole output.
	ContentFull ContentMode = "full"
	// ContentTruncated forwards at most TruncatedContentLimit runes.
	ContentTruncated ContentMode = "truncated"

	// CoordinationSequential marks forwards along sequential edges.
	CoordinationSequential Coordination = "sequential"
	// CoordinationDelegation marks forwards as delegated sub-tasks.
	CoordinationDelegation Coordination = "delegation"
)

// New creates a Resolver.
func New(opts Options) (*Resolver, error) {
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
	contentMode := opts.ContentMode
	if contentMode == "" {
		contentMode = ContentFull
	}
	coordination := opts.Coordination
	if coordination == "" {
		coordination = CoordinationSequential
	}
	switch contentMode {
	case ContentFull, ContentTruncated:
	default:
		return nil, fmt.Errorf("unknown content mode %q", contentMode)
	}
	switch coordination {
	case CoordinationSequential, CoordinationDelegation:
	default:
		return nil, fmt.Errorf("unknown coordination %q", coordination)
	}
	return &Resolver{
		caller:       opts.Caller,
		modelID:      opts.Model,
		spend:        opts.Spend,
		logger:       logger,
		contentMode:  contentMode,
		coordination: coordination,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// Resolve routes the node output. Parallel fan-out applies iff the hand-off
// type is parallel, more than one successor is declared, and the end sentinel
// is not among them; every other case selects exactly one successor.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	handOffs := in.HandOffs
	if len(handOffs) == 0 {
		handOffs = []string{workflow.EndNodeID}
	}
	content := r.replyContent(in.Output)

	if in.HandOffType == workflow.HandOffParallel && len(handOffs) > 1 && !slices.Contains(handOffs, workflow.EndNodeID) {
		res := &Resolution{NextIDs: append([]string(nil), handOffs...)}
		for _, target := range handOffs {
			res.Replies = append(res.Replies, Reply{
				TargetID: target,
				Role:     r.forwardRole(),
				Content:  content,
			})
		}
		return res, nil
	}

	target, cost, prompt := r.pick(ctx, in, handOffs)
	return &Resolution{
		NextIDs:     []string{target},
		Replies:     []Reply{{TargetID: target, Role: r.replyRole(target), Content: content}},
		Cost:        cost,
		DebugPrompt: prompt,
	}, nil
}

// pick chooses one successor. A single candidate is returned directly; an
// exhausted spending cap, a provider fault, or a pick outside the candidate
// list all fall back to the first declared successor.
func (r *Resolver) pick(ctx context.Context, in Input, handOffs []string) (string, float64, string) {
	if len(handOffs) == 1 {
		return handOffs[0], 0, ""
	}
	if r.spend != nil {
		if err := r.spend.Check(in.InvocationID); err != nil {
			r.logger.Warn(ctx, "handoff pick skipped",
				"node", in.NodeID, "reason", err.Error(), "fallback", handOffs[0])
			return handOffs[0], 0, ""
		}
	}

	prompt := pickPrompt(in, handOffs, r.replyContent(in.Output))
	res, err := r.caller.Complete(ctx, model.CompleteRequest{
		Model:       r.modelID,
		Messages:    []*model.Message{model.UserMessage(prompt)},
		Mode:        model.ModeText,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	cost := res.Cost
	if r.spend != nil {
		r.spend.AddCost(in.InvocationID, cost)
	}
	if err != nil || res.Failure != nil {
		reason := "provider fault"
		if err != nil {
			reason = err.Error()
		} else if res.Failure != nil {
			reason = res.Failure.Message
		}
		r.logger.Warn(ctx, "handoff pick failed",
			"node", in.NodeID, "reason", reason, "fallback", handOffs[0])
		return handOffs[0], cost, prompt
	}

	pick := normalizePick(res.Content)
	if slices.Contains(handOffs, pick) {
		return pick, cost, prompt
	}
	r.logger.Warn(ctx, "handoff pick outside declared successors",
		"node", in.NodeID, "pick", pick, "fallback", handOffs[0])
	return handOffs[0], cost, prompt
}

// replyContent applies the content mode to the node output.
func (r *Resolver) replyContent(output string) string {
	if r.contentMode == ContentFull {
		return output
	}
	runes := []rune(output)
	if len(runes) <= TruncatedContentLimit {
		return output
	}
	return string(runes[:TruncatedContentLimit])
}

// forwardRole is the role of non-terminal forwards.
func (r *Resolver) forwardRole() store.MessageRole {
	if r.coordination == CoordinationDelegation {
		return store.RoleDelegation
	}
	return store.RoleSequential
}

// replyRole classifies a single-successor reply. Output routed to the end
// sentinel is the workflow result.
func (r *Resolver) replyRole(target string) store.MessageRole {
	if target == workflow.EndNodeID {
		return store.RoleResult
	}
	return r.forwardRole()
}

// pickPrompt builds the successor selection prompt.
func pickPrompt(in Input, handOffs []string, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You route the output of workflow node %q to its next step.\n", in.NodeID)
	if in.SystemPrompt != "" {
		fmt.Fprintf(&b, "The node's instructions were: %s\n", in.SystemPrompt)
	}
	b.WriteString("Possible successors:\n")
	for _, target := range handOffs {
		if target == workflow.EndNodeID {
			fmt.Fprintf(&b, "- %s (finish the workflow)\n", target)
			continue
		}
		fmt.Fprintf(&b, "- %s\n", target)
	}
	fmt.Fprintf(&b, "\nNode output:\n%s\n", content)
	b.WriteString("\nAnswer with exactly one successor id from the list and nothing else.")
	return b.String()
}

// normalizePick keeps the first line of the response and strips the quoting
// and punctuation models wrap ids in.
func normalizePick(content string) string {
	pick := strings.TrimSpace(content)
	if idx := strings.IndexByte(pick, '\n'); idx >= 0 {
		pick = strings.TrimSpace(pick[:idx])
	}
	pick = strings.Trim(pick, "`\"'")
	return strings.TrimSuffix(pick, ".")
}
