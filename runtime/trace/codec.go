package trace

import (
	"encoding/json"
	"fmt"
)

// wireStep is the canonical JSON shape of a step. A single tagged struct
// covers every variant; unused fields are omitted.
type wireStep struct {
	Kind    StepKind          `json:"kind"`
	Content string            `json:"content,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Name    string            `json:"name,omitempty"`
	Args    json.RawMessage   `json:"args,omitempty"`
	Return  string            `json:"return,omitempty"`
	Summary string            `json:"summary,omitempty"`
	Delta   map[string]string `json:"delta,omitempty"`
}

type wireTrace struct {
	Steps []wireStep `json:"steps"`
}

// Serialize renders the canonical JSON form of the trace. Debug steps are
// excluded: they are developer context, not part of the outward audit view.
func (t *Trace) Serialize() ([]byte, error) {
	out := wireTrace{Steps: make([]wireStep, 0, len(t.steps))}
	for _, s := range t.steps {
		if s.Kind() == KindDebug {
			continue
		}
		out.Steps = append(out.Steps, toWire(s))
	}
	return json.Marshal(out)
}

// MustSerialize is Serialize for callers that treat failure as a programmer
// error, such as persisting a trace the pipeline just built.
func (t *Trace) MustSerialize() string {
	blob, err := t.Serialize()
	if err != nil {
		panic(fmt.Sprintf("serialize trace: %v", err))
	}
	return string(blob)
}

// Parse rebuilds a trace from its canonical JSON form. The parsed trace is
// frozen when it ends in a terminate step. Parsing never collapses: the
// bound grows to fit whatever was stored.
func Parse(data []byte) (*Trace, error) {
	var in wireTrace
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	bound := DefaultMaxSteps
	if len(in.Steps) > bound {
		bound = len(in.Steps)
	}
	t := NewBounded(bound)
	for i, w := range in.Steps {
		s, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("parse trace step %d: %w", i, err)
		}
		if err := t.Append(s); err != nil {
			return nil, fmt.Errorf("parse trace step %d: %w", i, err)
		}
	}
	return t, nil
}

func toWire(s Step) wireStep {
	switch v := s.(type) {
	case PrepareStep:
		return wireStep{Kind: KindPrepare, Content: v.Content}
	case ReasoningStep:
		return wireStep{Kind: KindReasoning, Content: v.Content}
	case PlanStep:
		return wireStep{Kind: KindPlan, Content: v.Content}
	case ToolStep:
		return wireStep{Kind: KindTool, Name: v.Name, Args: v.Args, Return: v.Return, Summary: v.Summary}
	case TextStep:
		return wireStep{Kind: KindText, Content: v.Content}
	case ErrorStep:
		return wireStep{Kind: KindError, Reason: v.Reason}
	case LearningStep:
		return wireStep{Kind: KindLearning, Delta: v.Delta}
	case TerminateStep:
		return wireStep{Kind: KindTerminate, Content: v.Content, Summary: v.Summary}
	case DebugStep:
		return wireStep{Kind: KindDebug, Content: v.Content}
	}
	return wireStep{}
}

func fromWire(w wireStep) (Step, error) {
	switch w.Kind {
	case KindPrepare:
		return PrepareStep{Content: w.Content}, nil
	case KindReasoning:
		return ReasoningStep{Content: w.Content}, nil
	case KindPlan:
		return PlanStep{Content: w.Content}, nil
	case KindTool:
		return ToolStep{Name: w.Name, Args: w.Args, Return: w.Return, Summary: w.Summary}, nil
	case KindText:
		return TextStep{Content: w.Content}, nil
	case KindError:
		return ErrorStep{Reason: w.Reason}, nil
	case KindLearning:
		return LearningStep{Delta: w.Delta}, nil
	case KindTerminate:
		return TerminateStep{Content: w.Content, Summary: w.Summary}, nil
	case KindDebug:
		return DebugStep{Content: w.Content}, nil
	}
	return nil, fmt.Errorf("unknown step kind %q", w.Kind)
}
