package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// payloadText extracts the readable text of a routed payload. Payloads
// are JSON: a bare string, an object with a text or content field, or
// an object with a parts list of {type, text} entries. Anything else
// falls back to the raw JSON.
func payloadText(payload json.RawMessage) string {
	raw := strings.TrimSpace(string(payload))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Content string `json:"content"`
		Parts   []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil {
		if len(obj.Parts) > 0 {
			texts := make([]string, 0, len(obj.Parts))
			for _, part := range obj.Parts {
				if part.Type != "" && part.Type != "text" {
					continue
				}
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			}
			if len(texts) > 0 {
				return strings.Join(texts, "\n")
			}
		}
		if obj.Text != "" {
			return obj.Text
		}
		if obj.Content != "" {
			return obj.Content
		}
	}
	return raw
}

// incomingMessage combines the payload text with the node's memory
// snapshot into the context message shown to the model.
func incomingMessage(text string, memory map[string]string) string {
	var b strings.Builder
	if text != "" {
		b.WriteString(text)
	}
	if len(memory) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Node memory:")
		for _, k := range sortedKeys(memory) {
			fmt.Fprintf(&b, "\n- %s: %s", k, memory[k])
		}
	}
	if b.Len() == 0 {
		return "No input provided."
	}
	return b.String()
}

// nodeSystemPrompt is the system message for direct model calls made on
// behalf of the node.
func nodeSystemPrompt(req Request) string {
	prompt := req.Node.SystemPrompt
	if req.MainGoal != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += "Main workflow goal: " + req.MainGoal
	}
	if prompt == "" {
		prompt = fmt.Sprintf("You are workflow node %q.", req.Node.ID)
	}
	return prompt
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
