package compression_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/compression"
	"goa.design/agentcore/internal/model"
)

func fixedWindow(n int) compression.ContextWindowLookup {
	return func(string) int { return n }
}

func TestCalculateSafetyThreshold_UsesLargestMatchingFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1_000_000-300_000, compression.CalculateSafetyThreshold(1_000_000))
	assert.Equal(t, 400_000-64_000, compression.CalculateSafetyThreshold(400_000))
	assert.Equal(t, 200_000-32_000, compression.CalculateSafetyThreshold(200_000))
	assert.Equal(t, 100_000-16_000, compression.CalculateSafetyThreshold(100_000))
}

func TestCalculateSafetyThreshold_FallsBackToDefaultRatio(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int(float64(50_000)*0.84), compression.CalculateSafetyThreshold(50_000))
}

func TestCheckAndCompress_SkipsShortConversations(t *testing.T) {
	t.Parallel()

	c := compression.New(compression.DefaultTokenCounter{}, fixedWindow(100_000))
	messages := []model.Message{
		{Role: model.RoleUser, Content: "hi"},
	}
	res, err := c.CheckAndCompress(context.Background(), messages, model.Message{Role: model.RoleSystem, Content: "sys"}, "gpt", "")
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Equal(t, "short_conversation", res.SkipReason)
	assert.Equal(t, messages, res.Messages)
}

func TestCheckAndCompress_SkipsUnderThreshold(t *testing.T) {
	t.Parallel()

	c := compression.New(compression.DefaultTokenCounter{}, fixedWindow(1_000_000))
	messages := make([]model.Message, 0, 5)
	for i := 0; i < 5; i++ {
		messages = append(messages, model.Message{Role: model.RoleUser, Content: "short"})
	}
	res, err := c.CheckAndCompress(context.Background(), messages, model.Message{Role: model.RoleSystem, Content: "sys"}, "claude", "")
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Equal(t, "under_threshold", res.SkipReason)
}

func TestCheckAndCompress_CompressesOverThreshold(t *testing.T) {
	t.Parallel()

	c := compression.New(compression.DefaultTokenCounter{}, fixedWindow(1_000))
	c.KeepHead = 1
	c.KeepTail = 2

	big := strings.Repeat("x", 5_000)
	messages := []model.Message{
		{Role: model.RoleUser, Content: "first message"},
		{Role: model.RoleAssistant, Content: big},
		{Role: model.RoleUser, Content: big},
		{Role: model.RoleAssistant, Content: big},
		{Role: model.RoleUser, Content: "second to last"},
		{Role: model.RoleAssistant, Content: "last message"},
	}
	res, err := c.CheckAndCompress(context.Background(), messages, model.Message{Role: model.RoleSystem, Content: "sys"}, "claude", "")
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	require.Len(t, res.Messages, 1+1+2)
	assert.Equal(t, "first message", res.Messages[0].Content)
	assert.Contains(t, res.Messages[1].Content, "context compressed")
	assert.Equal(t, "second to last", res.Messages[2].Content)
	assert.Equal(t, "last message", res.Messages[3].Content)
}

func TestCheckAndCompress_PrefersRegistryModelIDForWindowLookup(t *testing.T) {
	t.Parallel()

	var seen string
	lookup := func(modelID string) int {
		seen = modelID
		return 1_000_000
	}
	c := compression.New(compression.DefaultTokenCounter{}, lookup)
	messages := []model.Message{
		{Role: model.RoleUser, Content: "a"},
		{Role: model.RoleAssistant, Content: "b"},
		{Role: model.RoleUser, Content: "c"},
	}
	_, err := c.CheckAndCompress(context.Background(), messages, model.Message{Role: model.RoleSystem, Content: "sys"}, "claude-sonnet", "anthropic.claude-v2")
	require.NoError(t, err)
	assert.Equal(t, "anthropic.claude-v2", seen)
}

func TestDefaultTokenCounter_ApproximatesByCharacterCount(t *testing.T) {
	t.Parallel()

	n, err := compression.DefaultTokenCounter{}.CountTokens(context.Background(), "gpt", []model.Message{
		{Role: model.RoleUser, Content: "abcd"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
