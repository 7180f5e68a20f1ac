// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates loom requests into ChatCompletion calls
// using github.com/openai/openai-go and maps responses back to the runtime
// model structures, pricing each round from a per-model USD table.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/tools"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so callers can
	// pass either a real client or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Pricing holds the USD cost per million tokens for one model.
	Pricing struct {
		// InputPerMTok is the USD price of one million prompt tokens.
		InputPerMTok float64
		// OutputPerMTok is the USD price of one million completion tokens.
		OutputPerMTok float64
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the Chat Completions client. Required.
		Client ChatClient
		// DefaultModel is used when model.Request.Model is empty. Required.
		DefaultModel string
		// Pricing maps model identifiers to their per-token prices. Rounds
		// on models absent from the map report zero cost.
		Pricing map[string]Pricing
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat    ChatClient
		model   string
		pricing map[string]Pricing
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, pricing: opts.Pricing}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cl := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &cl.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	toolList, err := encodeTools(req.Tools)
	if err != nil {
		return model.Response{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
		Tools:    toolList,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
	if err != nil {
		return model.Response{}, err
	}
	params.ToolChoice = tc

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return c.translateResponse(modelID, resp)
}

func encodeMessages(msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			asst := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = sdk.String(m.Content)
			}
			for _, call := range m.Calls {
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      string(call.Name),
							Arguments: string(call.Args),
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message missing tool call id")
			}
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		params, err := toolParameters(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		fn := shared.FunctionDefinitionParam{
			Name:       string(def.Name),
			Parameters: params,
		}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

func toolParameters(schema any) (shared.FunctionParameters, error) {
	if schema == nil {
		return nil, nil
	}
	switch v := schema.(type) {
	case map[string]any:
		return shared.FunctionParameters(v), nil
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}
		return shared.FunctionParameters(m), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return shared.FunctionParameters(m), nil
	}
}

func encodeToolChoice(choice model.ToolChoice, defs []*model.ToolDefinition) (sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Kind {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit ToolChoice entirely.
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, nil
	case model.ToolChoiceRequired:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: sdk.String("required"),
		}, nil
	case model.ToolChoiceNamed:
		if choice.Tool == "" {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{},
				errors.New("openai: named tool choice requires a tool name")
		}
		if !hasToolDefinition(defs, choice.Tool) {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{},
				fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Tool)
		}
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{
					Name: string(choice.Tool),
				},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{},
			fmt.Errorf("openai: unsupported tool choice kind %q", choice.Kind)
	}
}

func hasToolDefinition(defs []*model.ToolDefinition, name tools.Ident) bool {
	for _, def := range defs {
		if def != nil && def.Name == name {
			return true
		}
	}
	return false
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}

func (c *Client) translateResponse(modelID string, resp *sdk.ChatCompletion) (model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := model.Response{
		Content:    choice.Message.Content,
		StopReason: normalizeFinishReason(string(choice.FinishReason)),
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: tools.Ident(call.Function.Name),
			Args: json.RawMessage(call.Function.Arguments),
		})
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	out.Cost = c.cost(modelID, out.Usage)
	return out, nil
}

func (c *Client) cost(modelID string, usage model.TokenUsage) float64 {
	p, ok := c.pricing[modelID]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1e6*p.InputPerMTok +
		float64(usage.OutputTokens)/1e6*p.OutputPerMTok
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return model.StopReasonEnd
	case "length":
		return model.StopReasonMaxTokens
	case "tool_calls", "function_call":
		return model.StopReasonToolCalls
	case "content_filter":
		return model.StopReasonFilter
	}
	return reason
}
