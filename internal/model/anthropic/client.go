// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API, translating generic model.Request/Response
// shapes to and from github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/xmltool"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter uses, so tests can supply a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float64
}

// New builds an adapter from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs an adapter using Anthropic's default HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	sc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&sc.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New call.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, translateError(err)
	}
	return translateResponse(msg), nil
}

// Stream issues Messages.NewStreaming and adapts events into model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, *params)
	if err := s.Err(); err != nil {
		return nil, translateError(err)
	}
	return newStreamer(ctx, s), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := c.resolveModelID(req)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system + xmlToolInstructions(req.Tools)}}
	} else if len(req.Tools) > 0 {
		params.System = []sdk.TextBlockParam{{Text: xmlToolInstructions(req.Tools)}}
	}
	if tools, err := encodeTools(req.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(float64(t))
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return &params, nil
}

func (c *Client) resolveModelID(req model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, string, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system string
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, "", fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// xmlToolInstructions appends the XML tool-call dialect description to the
// system prompt so the model emits <function_calls> blocks the execution
// engine's xmltool parser understands, in addition to the native tool
// declarations encodeTools adds to the request.
func xmlToolInstructions(tools []model.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	out := "\n\nYou may call tools using this exact format:\n" +
		"<function_calls><invoke name=\"TOOL_NAME\"><parameter name=\"KEY\">VALUE</parameter></invoke></function_calls>\n" +
		"Available tools:\n"
	for _, t := range tools {
		out += "- " + t.Name + ": " + t.Description + "\n"
	}
	return out
}

// encodeTools declares each tool natively via the Messages API's Tools
// field, alongside the XML dialect instructions already folded into the
// system prompt: a model that supports native tool-calling uses this
// instead, surfaced back to the engine as tool_use content blocks.
func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) model.Response {
	var text string
	var calls []xmltool.Call
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			calls = append(calls, xmltool.Call{
				ID:         block.ID,
				Name:       block.Name,
				Parameters: decodeToolInput(block.Input),
			})
		}
	}
	return model.Response{
		Content:    text,
		StopReason: string(msg.StopReason),
		ToolCalls:  calls,
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case 529:
			return fmt.Errorf("%w: %w", model.ErrOverloaded, err)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}
