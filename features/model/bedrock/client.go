// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, translates Converse responses
// (text + tool_use blocks) back into the runtime model structures and prices
// each round from a per-model USD table.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Pricing holds the USD cost per million tokens for one model.
	Pricing struct {
		// InputPerMTok is the USD price of one million input tokens.
		InputPerMTok float64
		// OutputPerMTok is the USD price of one million output tokens.
		OutputPerMTok float64
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient

		// DefaultModel is the model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. When zero or negative, the client omits
		// MaxTokens so Bedrock uses its own default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float32

		// Pricing maps model identifiers to their per-token prices. Rounds
		// on models absent from the map report zero cost.
		Pricing map[string]Pricing

		// Logger is used for non-fatal diagnostics inside the adapter.
		// When nil, defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
		pricing      map[string]Pricing
		logger       telemetry.Logger
	}
)

// New builds a Bedrock-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		pricing:      opts.Pricing,
		logger:       logger,
	}, nil
}

// Complete issues a Converse request and translates the response into the
// runtime model structures.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolCfg, _, provToCanon, err := encodeTools(ctx, req.Tools, req.ToolChoice, c.logger)
	if err != nil {
		return model.Response{}, err
	}
	conversation, system, err := encodeMessages(ctx, req.Messages, c.logger)
	if err != nil {
		return model.Response{}, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolCfg != nil {
		input.ToolConfig = toolCfg
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return c.translateResponse(modelID, output, provToCanon)
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if mt := c.effectiveMaxTokens(maxTokens); mt > 0 {
		cfg.MaxTokens = aws.Int32(int32(mt))
	}
	if t := c.effectiveTemperature(temp); t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func encodeMessages(ctx context.Context, msgs []*model.Message, logger telemetry.Logger) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.Calls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.Calls {
				if call.Name == "" {
					return nil, nil, errors.New("bedrock: assistant tool call missing name")
				}
				tb := brtypes.ToolUseBlock{
					Name:  aws.String(SanitizeToolName(string(call.Name))),
					Input: argsDocument(ctx, call.Args, logger),
				}
				if call.ID != "" {
					tb.ToolUseId = aws.String(call.ID)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case model.RoleTool:
			// Bedrock expects tool_result blocks in user messages, correlated
			// to a prior tool_use.
			tr := brtypes.ToolResultBlock{
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			if m.ToolCallID != "" {
				tr.ToolUseId = aws.String(m.ToolCallID)
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(
	ctx context.Context,
	defs []*model.ToolDefinition,
	choice model.ToolChoice,
	logger telemetry.Logger,
) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		if choice.Kind == "" || choice.Kind == model.ToolChoiceAuto {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, errors.New("bedrock: tool choice is set but no tools are defined")
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		canonical := string(def.Name)
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(ctx, def.InputSchema, logger)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}

	cfg := brtypes.ToolConfiguration{Tools: toolList}
	switch choice.Kind {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit ToolChoice.
	case model.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{
			Value: brtypes.AnyToolChoice{},
		}
	case model.ToolChoiceNamed:
		if choice.Tool == "" {
			return nil, nil, nil, errors.New("bedrock: named tool choice requires a tool name")
		}
		sanitized, ok := canonToSan[string(choice.Tool)]
		if !ok {
			return nil, nil, nil, fmt.Errorf("bedrock: tool choice name %q does not match any tool", choice.Tool)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(sanitized)},
		}
	default:
		return nil, nil, nil, fmt.Errorf("bedrock: unsupported tool choice kind %q", choice.Kind)
	}
	return &cfg, canonToSan, sanToCanon, nil
}

// schemaDocument converts a tool input schema into a Smithy document. Schemas
// that fail to decode degrade to a permissive object schema so a malformed
// tool definition never fails the whole round.
func schemaDocument(ctx context.Context, schema any, logger telemetry.Logger) document.Interface {
	if schema == nil {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	switch v := schema.(type) {
	case document.Interface:
		return v
	case json.RawMessage:
		var decoded any
		if len(v) == 0 {
			return document.NewLazyDocument(map[string]any{"type": "object"})
		}
		if err := json.Unmarshal(v, &decoded); err != nil {
			logger.Error(ctx, "failed to unmarshal tool schema", "err", err)
			return document.NewLazyDocument(map[string]any{"type": "object"})
		}
		return document.NewLazyDocument(decoded)
	default:
		return document.NewLazyDocument(v)
	}
}

// argsDocument converts model-generated tool arguments into a Smithy document.
func argsDocument(ctx context.Context, args json.RawMessage, logger telemetry.Logger) document.Interface {
	if len(args) == 0 {
		return document.NewLazyDocument(map[string]any{})
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		logger.Error(ctx, "failed to unmarshal tool arguments", "err", err)
		return document.NewLazyDocument(map[string]any{"raw": string(args)})
	}
	return document.NewLazyDocument(decoded)
}

func (c *Client) translateResponse(modelID string, output *bedrockruntime.ConverseOutput, nameMap map[string]string) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	var resp model.Response
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				name := aws.ToString(v.Value.Name)
				if canonical, ok := nameMap[name]; ok {
					name = canonical
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:   aws.ToString(v.Value.ToolUseId),
					Name: tools.Ident(name),
					Args: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	resp.Cost = c.cost(modelID, resp.Usage)
	resp.StopReason = normalizeStopReason(string(output.StopReason))
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	return json.RawMessage(data)
}

func (c *Client) cost(modelID string, usage model.TokenUsage) float64 {
	p, ok := c.pricing[modelID]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1e6*p.InputPerMTok +
		float64(usage.OutputTokens)/1e6*p.OutputPerMTok
}

func normalizeStopReason(reason string) string {
	switch brtypes.StopReason(reason) {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return model.StopReasonEnd
	case brtypes.StopReasonMaxTokens:
		return model.StopReasonMaxTokens
	case brtypes.StopReasonToolUse:
		return model.StopReasonToolCalls
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return model.StopReasonFilter
	}
	return reason
}
