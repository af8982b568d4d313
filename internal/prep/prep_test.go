package prep_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/prep"
)

type stubBilling struct {
	ok      bool
	message string
	err     error
}

func (s stubBilling) CheckAndReserve(context.Context, string) (bool, string, error) {
	return s.ok, s.message, s.err
}

type stubTiers struct {
	name    string
	cap     int
	allowed []string
	err     error
}

func (s stubTiers) Tier(context.Context, string) (string, int, []string, error) {
	return s.name, s.cap, s.allowed, s.err
}

type stubRuns struct {
	count int
	err   error
}

func (s stubRuns) RunningCount(context.Context, string) (int, error) { return s.count, s.err }

type stubMessages struct {
	messages []model.Message
	err      error
}

func (s stubMessages) Fetch(context.Context, string) ([]model.Message, error) {
	return s.messages, s.err
}

type stubPrompt struct{}

func (stubPrompt) Build(_ context.Context, modelName, _, _ string, tools []model.ToolDefinition) (model.Message, error) {
	return model.Message{Role: model.RoleSystem, Content: "prompt for " + modelName}, nil
}

type stubMCP struct {
	count int
	err   error
}

func (s stubMCP) Warm(context.Context, string, map[string]any) (int, error) { return s.count, s.err }

func newPipeline() *prep.Pipeline {
	return &prep.Pipeline{
		Billing:  stubBilling{ok: true},
		Tiers:    stubTiers{name: "pro", cap: 5},
		Runs:     stubRuns{count: 1},
		Messages: stubMessages{messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}},
		Prompts:  stubPrompt{},
		MCP:      stubMCP{},
	}
}

func TestRun_ProceedsWhenAllPrechecksPass(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o"})
	assert.True(t, res.CanProceed)
	assert.Empty(t, res.ErrorCode)
	assert.Equal(t, "prompt for gpt-4o", res.Prompt.SystemPrompt.Content)
	require.Len(t, res.Messages.Messages, 1)
}

func TestRun_DeniesOnInsufficientCredits(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.Billing = stubBilling{ok: false, message: "no credits"}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o"})
	assert.False(t, res.CanProceed)
	assert.Equal(t, prep.ErrCodeInsufficientCredits, res.ErrorCode)
}

func TestRun_DeniesOnRunLimitExceeded(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.Runs = stubRuns{count: 5}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o"})
	assert.False(t, res.CanProceed)
	assert.Equal(t, prep.ErrCodeRunLimitExceeded, res.ErrorCode)
}

func TestRun_SkipsLimitsInLocalMode(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.Runs = stubRuns{count: 100}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o", LocalMode: true})
	assert.True(t, res.CanProceed)
	assert.True(t, res.Limits.CanRun)
}

func TestRun_LimitsCheckFailureAllowsByDefault(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.Runs = stubRuns{err: errors.New("cache down")}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o"})
	assert.True(t, res.CanProceed)
	assert.Contains(t, res.Limits.Message, "allowing")
}

func TestRun_PrefersPrefetchedMessagesOverFetch(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.Messages = stubMessages{err: errors.New("should not be called")}
	prefetched := []model.Message{{Role: model.RoleUser, Content: "cached"}}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o", Prefetched: prefetched})
	require.Len(t, res.Messages.Messages, 1)
	assert.True(t, res.Messages.FromCache)
}

func TestRun_MCPFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.MCP = stubMCP{err: errors.New("mcp unreachable")}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o", AgentConfig: map[string]any{"servers": 1}})
	assert.True(t, res.CanProceed)
	assert.False(t, res.MCP.Initialized)
}

func TestRun_FiltersToolsByTierAllowList(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	p.Tiers = stubTiers{name: "free", cap: 1, allowed: []string{"search"}}
	tools := []model.ToolDefinition{{Name: "search"}, {Name: "sb_presentation_tool"}}
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o", Tools: tools})
	require.Len(t, res.Tools.Schemas, 1)
	assert.Equal(t, "search", res.Tools.Schemas[0].Name)
}

func TestRun_EstimateDefaultsWhenNoEstimatorConfigured(t *testing.T) {
	t.Parallel()

	p := newPipeline()
	res := p.Run(context.Background(), prep.Request{AccountID: "acct", ThreadID: "thread", ModelName: "gpt-4o"})
	assert.Equal(t, "low", res.Estimate.Confidence)
	assert.Greater(t, res.Estimate.EstimatedSeconds, 0.0)
}

func TestCheckToolAccess_UnrestrictedWhenAllowListNil(t *testing.T) {
	t.Parallel()

	res := prep.CheckToolAccess("free", nil, "sb_presentation_tool")
	assert.True(t, res.Allowed)
}

func TestCheckToolAccess_DeniesOutsideAllowList(t *testing.T) {
	t.Parallel()

	res := prep.CheckToolAccess("free", []string{"search"}, "sb_presentation_tool")
	assert.False(t, res.Allowed)
	assert.Equal(t, prep.ErrCodeToolAccessDenied, res.ErrorCode)
	assert.True(t, res.UpgradeRequired)
}
