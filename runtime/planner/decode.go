package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/loom/runtime/tools"
)

// decisionWire is the JSON shape the selection prompt requests.
type decisionWire struct {
	Action          string `json:"action"`
	Tool            string `json:"tool"`
	Plan            string `json:"plan"`
	Check           string `json:"check"`
	ExpectsMutation bool   `json:"expects_mutation"`
	Reasoning       string `json:"reasoning"`
}

// parseDecision extracts and validates the decision object from the model
// response. The tool of a call_tool decision must be a member of the offered
// set.
func parseDecision(content string, set tools.Set) (Decision, error) {
	payload, err := extractObject(content)
	if err != nil {
		return Decision{}, err
	}
	var wire decisionWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	switch wire.Action {
	case "terminate":
		return Decision{Kind: DecisionTerminate, Reasoning: wire.Reasoning}, nil
	case "call_tool":
		if wire.Tool == "" {
			return Decision{}, fmt.Errorf("call_tool decision names no tool")
		}
		name := tools.Ident(wire.Tool)
		if _, ok := set[name]; !ok {
			return Decision{}, fmt.Errorf("decision names unknown tool %q", wire.Tool)
		}
		return Decision{
			Kind:            DecisionCallTool,
			ToolName:        name,
			Plan:            wire.Plan,
			Check:           wire.Check,
			ExpectsMutation: wire.ExpectsMutation,
			Reasoning:       wire.Reasoning,
		}, nil
	case "":
		return Decision{}, fmt.Errorf("decision has no action")
	default:
		return Decision{}, fmt.Errorf("unknown decision action %q", wire.Action)
	}
}

// extractObject locates the decision object inside the response text. Models
// occasionally wrap the JSON in code fences or prose; everything outside the
// outermost braces is ignored.
func extractObject(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("empty decision response")
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no decision object in response")
	}
	return json.RawMessage(trimmed[start : end+1]), nil
}
