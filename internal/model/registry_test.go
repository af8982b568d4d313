package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/model"
)

type stubClient struct{ name string }

func (s stubClient) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{Content: s.name}, nil
}
func (s stubClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestResolve_PrefersPrefixMatch(t *testing.T) {
	t.Parallel()

	r := model.NewRegistry()
	r.RegisterPrefix("claude-", stubClient{name: "anthropic"})
	r.RegisterPrefix("gpt-", stubClient{name: "openai"})
	r.RegisterTier("enterprise", stubClient{name: "bedrock"})

	cli, err := r.Resolve("claude-sonnet", "enterprise")
	require.NoError(t, err)
	resp, _ := cli.Complete(context.Background(), model.Request{})
	assert.Equal(t, "anthropic", resp.Content)
}

func TestResolve_FallsBackToTierThenFallback(t *testing.T) {
	t.Parallel()

	r := model.NewRegistry()
	r.RegisterTier("enterprise", stubClient{name: "bedrock"})
	r.SetFallback(stubClient{name: "default"})

	cli, err := r.Resolve("", "enterprise")
	require.NoError(t, err)
	resp, _ := cli.Complete(context.Background(), model.Request{})
	assert.Equal(t, "bedrock", resp.Content)

	cli, err = r.Resolve("unknown-model", "")
	require.NoError(t, err)
	resp, _ = cli.Complete(context.Background(), model.Request{})
	assert.Equal(t, "default", resp.Content)
}

func TestResolve_ErrorsWithNoMatch(t *testing.T) {
	t.Parallel()

	r := model.NewRegistry()
	_, err := r.Resolve("mystery", "")
	assert.Error(t, err)
}
