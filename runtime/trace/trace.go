// Package trace records the ordered, typed steps produced during one node
// invocation. The trace is the audit artifact of the runtime: every
// reasoning round, tool call, error and learning lands here, a single
// terminate step closes it, and the canonical serialized form is what
// persistence stores and the CLI prints.
//
// Traces are append-only while the invocation runs and frozen afterwards.
// The step count is bounded; overflowing traces collapse their oldest
// non-terminal steps into a single marker so the serialized size stays
// predictable.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StepKind discriminates the step variants.
type StepKind string

const (
	// KindPrepare is the context message shown to the model.
	KindPrepare StepKind = "prepare"
	// KindReasoning is free-text model rationale.
	KindReasoning StepKind = "reasoning"
	// KindPlan is a short plan for the next action.
	KindPlan StepKind = "plan"
	// KindTool is one executed tool call.
	KindTool StepKind = "tool"
	// KindText is plain textual output.
	KindText StepKind = "text"
	// KindError is a recoverable error surfaced by a substep.
	KindError StepKind = "error"
	// KindLearning is a proposed memory update.
	KindLearning StepKind = "learning"
	// KindTerminate closes the trace. Exactly one per completed invocation.
	KindTerminate StepKind = "terminate"
	// KindDebug is developer-visible context excluded from serialization.
	KindDebug StepKind = "debug"
)

type (
	// Step is one typed trace entry. Implementations are the fixed set of
	// step structs in this package; consumers pattern-match on the concrete
	// type or on Kind.
	Step interface {
		// Kind returns the variant tag.
		Kind() StepKind

		isStep()
	}

	// PrepareStep records the assembled context message handed to the model.
	PrepareStep struct {
		// Content is the rendered context message.
		Content string
	}

	// ReasoningStep records model rationale for the next action.
	ReasoningStep struct {
		// Content is the free-text rationale.
		Content string
	}

	// PlanStep records a short plan announced before a tool call.
	PlanStep struct {
		// Content is the plan text.
		Content string
	}

	// ToolStep records one executed tool call.
	ToolStep struct {
		// Name is the canonical tool name.
		Name string
		// Args is the JSON arguments the tool was called with.
		Args json.RawMessage
		// Return is the stringified tool output.
		Return string
		// Summary is a short model-produced summary of the output. Optional.
		Summary string
	}

	// TextStep records plain text produced by the model.
	TextStep struct {
		// Content is the text.
		Content string
	}

	// ErrorStep records a recoverable failure inside the invocation.
	ErrorStep struct {
		// Reason is a short description of what went wrong.
		Reason string
	}

	// LearningStep records a proposed update to the node's memory.
	LearningStep struct {
		// Delta is the new memory mapping proposed by the learning prompt.
		Delta map[string]string
	}

	// TerminateStep closes the trace with the node's final output.
	TerminateStep struct {
		// Content is the final output text.
		Content string
		// Summary is a short summary of what the node accomplished.
		Summary string
	}

	// DebugStep records developer-visible context such as raw prompts. It is
	// excluded from the canonical serialized trace.
	DebugStep struct {
		// Content is the debug payload.
		Content string
	}
)

// Kind implements Step.
func (PrepareStep) Kind() StepKind   { return KindPrepare }
func (ReasoningStep) Kind() StepKind { return KindReasoning }
func (PlanStep) Kind() StepKind      { return KindPlan }
func (ToolStep) Kind() StepKind      { return KindTool }
func (TextStep) Kind() StepKind      { return KindText }
func (ErrorStep) Kind() StepKind     { return KindError }
func (LearningStep) Kind() StepKind  { return KindLearning }
func (TerminateStep) Kind() StepKind { return KindTerminate }
func (DebugStep) Kind() StepKind     { return KindDebug }

func (PrepareStep) isStep()   {}
func (ReasoningStep) isStep() {}
func (PlanStep) isStep()      {}
func (ToolStep) isStep()      {}
func (TextStep) isStep()      {}
func (ErrorStep) isStep()     {}
func (LearningStep) isStep()  {}
func (TerminateStep) isStep() {}
func (DebugStep) isStep()     {}

// DefaultMaxSteps bounds the trace length before collapse kicks in.
const DefaultMaxSteps = 200

// ErrTerminated is returned when appending to a trace that already holds a
// terminate step.
var ErrTerminated = errors.New("trace already terminated")

// Trace is the ordered step list for one node invocation. Not safe for
// concurrent use; each invocation owns its trace exclusively until it
// returns.
type Trace struct {
	steps      []Step
	maxSteps   int
	collapsed  int
	terminated bool
}

// New constructs an empty trace bounded by DefaultMaxSteps.
func New() *Trace {
	return NewBounded(DefaultMaxSteps)
}

// NewBounded constructs an empty trace with an explicit step bound. Bounds
// below 2 are raised to 2 so a collapse marker and a terminate step always
// fit.
func NewBounded(maxSteps int) *Trace {
	if maxSteps < 2 {
		maxSteps = 2
	}
	return &Trace{maxSteps: maxSteps}
}

// Append adds a step to the trace. It fails once a terminate step has been
// recorded. When the trace is full, the oldest non-terminal steps collapse
// into a single text marker so the bound holds.
func (t *Trace) Append(s Step) error {
	if s == nil {
		return errors.New("nil step")
	}
	if t.terminated {
		return ErrTerminated
	}
	if len(t.steps) >= t.maxSteps {
		t.collapseOldest()
	}
	t.steps = append(t.steps, s)
	if s.Kind() == KindTerminate {
		t.terminated = true
	}
	return nil
}

// collapseOldest folds the oldest entries into a single text marker so the
// next append stays within the bound. When a marker already exists it sits
// at index 0 and absorbs one more step; the first collapse folds the two
// oldest real steps.
func (t *Trace) collapseOldest() {
	if t.collapsed > 0 {
		// Index 0 is the marker; it absorbs the oldest surviving step.
		t.collapsed++
	} else {
		// First collapse folds the two oldest steps so the marker plus the
		// remainder leave room for the incoming append.
		t.collapsed = 2
	}
	marker := TextStep{Content: fmt.Sprintf("[%d earlier steps collapsed]", t.collapsed)}
	rest := make([]Step, 0, len(t.steps)-1)
	rest = append(rest, marker)
	rest = append(rest, t.steps[2:]...)
	t.steps = rest
}

// Steps returns a copy of the recorded steps in append order.
func (t *Trace) Steps() []Step {
	return append([]Step(nil), t.steps...)
}

// Len returns the number of recorded steps.
func (t *Trace) Len() int { return len(t.steps) }

// Terminated reports whether the trace holds a terminate step.
func (t *Trace) Terminated() bool { return t.terminated }

// Terminate returns the closing step when the trace is terminated.
func (t *Trace) Terminate() (TerminateStep, bool) {
	if !t.terminated || len(t.steps) == 0 {
		return TerminateStep{}, false
	}
	ts, ok := t.steps[len(t.steps)-1].(TerminateStep)
	return ts, ok
}

// CountKind returns how many steps of the given kind the trace holds.
func (t *Trace) CountKind(kind StepKind) int {
	n := 0
	for _, s := range t.steps {
		if s.Kind() == kind {
			n++
		}
	}
	return n
}

// LastText returns the content of the most recent text step.
func (t *Trace) LastText() (string, bool) {
	for i := len(t.steps) - 1; i >= 0; i-- {
		if ts, ok := t.steps[i].(TextStep); ok {
			return ts.Content, true
		}
	}
	return "", false
}

// LastToolReturn returns the output of the most recent tool step.
func (t *Trace) LastToolReturn() (string, bool) {
	for i := len(t.steps) - 1; i >= 0; i-- {
		if ts, ok := t.steps[i].(ToolStep); ok {
			return ts.Return, true
		}
	}
	return "", false
}

// Render produces the structured-text view of the trace used in selector,
// learning and hand-off prompts. Debug steps are omitted.
func (t *Trace) Render() string {
	var b strings.Builder
	for _, s := range t.steps {
		switch v := s.(type) {
		case PrepareStep:
			fmt.Fprintf(&b, "prepare: %s\n", v.Content)
		case ReasoningStep:
			fmt.Fprintf(&b, "reasoning: %s\n", v.Content)
		case PlanStep:
			fmt.Fprintf(&b, "plan: %s\n", v.Content)
		case ToolStep:
			fmt.Fprintf(&b, "tool %s(%s) -> %s", v.Name, compactJSON(v.Args), v.Return)
			if v.Summary != "" {
				fmt.Fprintf(&b, " [%s]", v.Summary)
			}
			b.WriteByte('\n')
		case TextStep:
			fmt.Fprintf(&b, "text: %s\n", v.Content)
		case ErrorStep:
			fmt.Fprintf(&b, "error: %s\n", v.Reason)
		case LearningStep:
			fmt.Fprintf(&b, "learning: %s\n", renderDelta(v.Delta))
		case TerminateStep:
			fmt.Fprintf(&b, "terminate: %s\n", v.Content)
		case DebugStep:
			// Debug context never reaches prompts.
		}
	}
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func renderDelta(delta map[string]string) string {
	if len(delta) == 0 {
		return "{}"
	}
	blob, err := json.Marshal(delta)
	if err != nil {
		return "{}"
	}
	return string(blob)
}
