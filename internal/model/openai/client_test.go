package openai_test

import (
	"context"
	"testing"

	openaisdk "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/model/openai"
)

type fakeChat struct {
	newFn func(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error)
}

func (f *fakeChat) New(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error) {
	return f.newFn(ctx, params)
}

func TestComplete_TranslatesResponse(t *testing.T) {
	t.Parallel()

	fake := &fakeChat{newFn: func(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error) {
		assert.Len(t, params.Messages, 1)
		return &openaisdk.ChatCompletion{
			Choices: []openaisdk.ChatCompletionChoice{{
				Message:      openaisdk.ChatCompletionMessage{Content: "hi back"},
				FinishReason: "stop",
			}},
			Usage: openaisdk.CompletionUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}, nil
	}}

	cli, err := openai.New(openai.Options{Client: fake, DefaultModel: "gpt-test"})
	require.NoError(t, err)

	resp, err := cli.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi back", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestStream_ReturnsUnsupported(t *testing.T) {
	t.Parallel()

	cli, err := openai.New(openai.Options{Client: &fakeChat{}, DefaultModel: "gpt-test"})
	require.NoError(t, err)
	_, err = cli.Stream(context.Background(), model.Request{})
	assert.ErrorIs(t, err, model.ErrStreamingUnsupported)
}

func TestNew_RequiresClientAndModel(t *testing.T) {
	t.Parallel()

	_, err := openai.New(openai.Options{})
	assert.Error(t, err)
	_, err = openai.New(openai.Options{Client: &fakeChat{}})
	assert.Error(t, err)
}
