// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API, using github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"goa.design/agentcore/internal/model"
)

// RuntimeClient mirrors the subset of the Bedrock runtime client this
// adapter uses, so tests can substitute a fake for *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	model   string
	maxTok  int
	temp    float32
}

// New builds an adapter from a Bedrock runtime client and options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: opts.Runtime, model: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// Complete issues a Converse call.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return model.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, translateError(err)
	}
	return translateResponse(out), nil
}

// Stream is not implemented for this adapter; the Execution Engine falls
// back to Complete when a provider lacks streaming support.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildInput(req model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if t := req.Temperature; t > 0 {
		cfg.Temperature = aws.Float32(t)
	} else if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		InferenceConfig: cfg,
	}
	if len(system) > 0 {
		input.System = system
	}
	return input, nil
}

func translateResponse(out *bedrockruntime.ConverseOutput) model.Response {
	var content, stopReason string
	if msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOut.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	}
	stopReason = string(out.StopReason)
	usage := model.TokenUsage{}
	if out.Usage != nil {
		usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return model.Response{Content: content, StopReason: stopReason, Usage: usage}
}

// translateError classifies a Bedrock error via its modeled error code,
// treating ThrottlingException as rate-limited and ServiceUnavailableException
// (or ModelNotReadyException) as overloaded.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case "ServiceUnavailableException", "ModelNotReadyException":
			return fmt.Errorf("%w: %w", model.ErrOverloaded, err)
		}
		return fmt.Errorf("bedrock: %s: %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("bedrock: %w", err)
}
