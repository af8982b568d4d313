package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/model/anthropic"
)

type fakeMessages struct {
	newFn func(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error)
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	return f.newFn(ctx, body)
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return nil
}

func TestComplete_TranslatesTextResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{
		newFn: func(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error) {
			assert.Equal(t, sdk.Model("claude-test"), body.Model)
			return &sdk.Message{
				Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
				Usage:   sdk.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}

	cli, err := anthropic.New(fake, anthropic.Options{DefaultModel: "claude-test", MaxTokens: 100})
	require.NoError(t, err)

	resp, err := cli.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestComplete_TranslatesToolUseBlocks(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{
		newFn: func(ctx context.Context, body sdk.MessageNewParams) (*sdk.Message, error) {
			require.Len(t, body.Tools, 1)
			return &sdk.Message{
				Content: []sdk.ContentBlockUnion{
					{Type: "text", Text: "let me check"},
					{Type: "tool_use", ID: "call-1", Name: "lookup", Input: []byte(`{"query":"weather"}`)},
				},
				Usage: sdk.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}

	cli, err := anthropic.New(fake, anthropic.Options{DefaultModel: "claude-test", MaxTokens: 100})
	require.NoError(t, err)

	resp, err := cli.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		Tools:    []model.ToolDefinition{{Name: "lookup", Description: "looks things up"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "let me check", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call-1", resp.ToolCalls[0].ID)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.Equal(t, "weather", resp.ToolCalls[0].Parameters["query"])
}

func TestComplete_RequiresMessages(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{newFn: func(context.Context, sdk.MessageNewParams) (*sdk.Message, error) {
		t.Fatal("should not call provider without messages")
		return nil, nil
	}}
	cli, err := anthropic.New(fake, anthropic.Options{DefaultModel: "claude-test", MaxTokens: 100})
	require.NoError(t, err)

	_, err = cli.Complete(context.Background(), model.Request{})
	assert.Error(t, err)
}

func TestNew_RequiresDefaultModel(t *testing.T) {
	t.Parallel()

	_, err := anthropic.New(&fakeMessages{}, anthropic.Options{})
	assert.Error(t, err)
}
