package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// identityPrompt builds the system message from the node's configuration and
// the workflow goal.
func identityPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the reasoning engine of workflow node %q.\n", in.NodeID)
	if in.SystemPrompt != "" {
		b.WriteString(in.SystemPrompt)
		b.WriteString("\n")
	}
	if in.MainGoal != "" {
		fmt.Fprintf(&b, "Main workflow goal: %s\n", in.MainGoal)
	}
	if len(in.Memory) > 0 {
		b.WriteString("Current memory:\n")
		keys := make([]string, 0, len(in.Memory))
		for k := range in.Memory {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, in.Memory[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// roundPrompt builds the user message for one selection round: the trace so
// far, the round budget, the available tools, and the required answer shape.
func roundPrompt(in Input) string {
	var b strings.Builder
	if in.Trace != nil && len(in.Trace.Steps()) > 0 {
		b.WriteString("Steps taken so far:\n")
		b.WriteString(in.Trace.Render())
		b.WriteString("\n\n")
	} else {
		b.WriteString("No steps taken yet.\n\n")
	}
	fmt.Fprintf(&b, "Rounds left including this one: %d\n", in.RoundsLeft)
	if in.RoundsLeft <= 1 {
		b.WriteString("This is the final round: terminate unless one more tool call clearly advances the goal.\n")
	}
	b.WriteString("\nAvailable tools:\n")
	for _, name := range in.Tools.Names() {
		handle := in.Tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, handle.Description())
		if schema, err := json.Marshal(handle.Schema()); err == nil {
			fmt.Fprintf(&b, "  arguments schema: %s\n", schema)
		}
	}
	b.WriteString(`
Decide the next action. Respond with a single JSON object and nothing else.
To call a tool:
{"action":"call_tool","tool":"<tool name>","plan":"<what this call should accomplish>","check":"<keywords or numbers expected in the tool output>","expects_mutation":<true if the call changes external state>,"reasoning":"<why this call>"}
To finish:
{"action":"terminate","reasoning":"<why the goal is met or cannot be advanced>"}`)
	return b.String()
}
