// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API, using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"goa.design/agentcore/internal/model"
)

// ChatClient captures the subset of the openai-go client this adapter uses.
type ChatClient interface {
	New(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	Temperature  float64
}

// Client implements model.Client via OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
	temp  float64
}

// New builds an adapter from an openai-go chat completions client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, temp: opts.Temperature}, nil
}

// Complete renders a chat completion.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, translateError(err)
	}
	return translateResponse(resp), nil
}

// Stream is not implemented for this adapter; the Execution Engine falls
// back to Complete when a provider lacks streaming support.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req model.Request) (openaisdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openaisdk.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	msgs := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, openaisdk.SystemMessage(m.Content))
		case model.RoleUser:
			msgs = append(msgs, openaisdk.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openaisdk.AssistantMessage(m.Content))
		default:
			return openaisdk.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = param.NewOpt(float64(t))
	} else if c.temp > 0 {
		params.Temperature = param.NewOpt(c.temp)
	}
	return params, nil
}

func translateResponse(resp *openaisdk.ChatCompletion) model.Response {
	var content, stopReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		stopReason = resp.Choices[0].FinishReason
	}
	return model.Response{
		Content:    content,
		StopReason: stopReason,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case 503:
			return fmt.Errorf("%w: %w", model.ErrOverloaded, err)
		}
	}
	return fmt.Errorf("openai: %w", err)
}
