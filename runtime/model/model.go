// Package model provides the provider-agnostic abstraction over chat
// completion APIs (OpenAI, Anthropic, Bedrock). The Client interface covers
// one provider round; Caller layers the bounded tool-execution loop node
// pipelines use on top of it. Implementations translate these normalized
// types into provider-specific formats and report USD cost alongside token
// usage.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/loom/runtime/tools"
)

type (
	// Client is the contract provider adapters implement: a single chat
	// completion round. Implementations wrap provider SDKs and translate
	// Request/Response to provider-specific formats. Clients must be safe
	// for concurrent use and reusable across invocations.
	Client interface {
		// Complete sends one chat completion request to the provider and
		// returns the generated response. Returns an error only for faults
		// the caller cannot act on locally: connectivity, authentication,
		// malformed requests. Throttling surfaces as ErrRateLimited so
		// middleware can back off and retry.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for one provider round.
	Request struct {
		// Model is the provider-specific model identifier
		// (e.g. "gpt-4o", "claude-3-5-sonnet-20241022", "anthropic.claude-v2").
		Model string

		// Messages is the ordered chat history: system prompt, user inputs,
		// prior assistant turns, and tool results. Order matters.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model for
		// function calling. Empty when the model should answer in text.
		Tools []*ToolDefinition

		// ToolChoice constrains how the model may use Tools. The zero
		// value means auto.
		ToolChoice ToolChoice

		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int

		// Temperature controls sampling (typically 0.0 to 2.0). Zero means
		// the provider default.
		Temperature float32
	}

	// Response wraps the generated content, tool call requests, usage, and
	// cost from one provider round.
	Response struct {
		// Content is the assistant text. Empty when the model only
		// requested tool calls.
		Content string

		// ToolCalls lists tool invocations requested by the model. Empty
		// when the model produced a final text response.
		ToolCalls []ToolCall

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// Cost is the USD cost of this round, computed by the adapter from
		// usage and its pricing table. Zero when pricing is unknown.
		Cost float64

		// StopReason explains why generation stopped. Adapters normalize to
		// the StopReason* constants where possible; provider-specific
		// values pass through verbatim.
		StopReason string
	}

	// Message is one chat turn.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
		Role string

		// Content is the message text. Empty for assistant turns that only
		// carry tool calls.
		Content string

		// ToolCallID links a RoleTool message to the assistant tool call it
		// answers.
		ToolCallID string

		// Calls carries the tool calls an assistant turn requested, echoed
		// back to the provider on subsequent rounds.
		Calls []ToolCall

		// Meta carries provider-specific metadata such as message IDs.
		// Preserved for debugging; the runtime ignores it.
		Meta map[string]any
	}

	// ToolDefinition describes a tool schema passed to providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name tools.Ident

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema describing the tool arguments,
		// as decoded Go values (map[string]any).
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier, echoed back on the
		// matching tool result message.
		ID string

		// Name identifies which tool to invoke.
		Name tools.Ident

		// Args carries the JSON arguments generated by the model.
		Args json.RawMessage
	}

	// ToolChoice constrains tool use for one round.
	ToolChoice struct {
		// Kind selects the policy. The zero value is auto.
		Kind ToolChoiceKind

		// Tool names the forced tool when Kind is ToolChoiceNamed.
		Tool tools.Ident
	}

	// ToolChoiceKind enumerates tool choice policies.
	ToolChoiceKind string

	// TokenUsage records token counts when reported by the provider. All
	// fields are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int

		// OutputTokens counts tokens produced in this completion.
		OutputTokens int

		// TotalTokens is the aggregate. Prefer this field when available;
		// some providers include overhead not captured by the sum.
		TotalTokens int
	}
)

const (
	// ToolChoiceAuto lets the model decide whether to call a tool.
	ToolChoiceAuto ToolChoiceKind = "auto"
	// ToolChoiceRequired forces the model to call some tool.
	ToolChoiceRequired ToolChoiceKind = "required"
	// ToolChoiceNamed forces the model to call one specific tool.
	ToolChoiceNamed ToolChoiceKind = "named"
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Normalized stop reasons. Adapters map provider values onto these; values
// outside this set pass through verbatim.
const (
	StopReasonEnd       = "stop"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolCalls = "tool_calls"
	StopReasonFilter    = "content_filter"
)

// ErrRateLimited indicates the provider throttled the request. The rate
// limiting middleware treats it as a signal to shrink its budget and retry.
var ErrRateLimited = errors.New("model: rate limited")

// ChooseTool builds a ToolChoice forcing the named tool.
func ChooseTool(name tools.Ident) ToolChoice {
	return ToolChoice{Kind: ToolChoiceNamed, Tool: name}
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// ToolResultMessage builds a tool-role message answering the given call.
func ToolResultMessage(call ToolCall, content string) *Message {
	return &Message{Role: RoleTool, ToolCallID: call.ID, Content: content}
}

// Add accumulates usage from one round into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
