package execution_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/broker/brokertest"
	"goa.design/agentcore/internal/compression"
	"goa.design/agentcore/internal/config"
	"goa.design/agentcore/internal/execution"
	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/stream"
	"goa.design/agentcore/internal/stream/streamtest"
	"goa.design/agentcore/internal/wal"
	"goa.design/agentcore/internal/xmltool"
)

type scriptedChunk struct {
	chunk model.Chunk
	err   error
}

type fakeStreamer struct {
	chunks []scriptedChunk
	i      int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	sc := f.chunks[f.i]
	f.i++
	return sc.chunk, sc.err
}

func (f *fakeStreamer) Close() error { return nil }

type fakeModel struct {
	responses [][]scriptedChunk
	calls     int
}

func (f *fakeModel) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, nil
}

func (f *fakeModel) Stream(context.Context, model.Request) (model.Streamer, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &fakeStreamer{chunks: f.responses[idx]}, nil
}

type fakeTools struct {
	result execution.ToolResult
}

func (f fakeTools) Execute(context.Context, xmltool.Call) execution.ToolResult {
	return f.result
}

func newEngine(t *testing.T, m model.Client) *execution.Engine {
	t.Helper()
	b := brokertest.New()
	cfg := config.Default()
	w := wal.New(b, cfg, nil)
	pub := stream.NewPublisher(streamtest.New())
	return execution.New(m, w, pub, cfg)
}

func textChunk(s string) scriptedChunk {
	return scriptedChunk{chunk: model.Chunk{Type: model.ChunkText, Delta: s}}
}

func eofChunk() scriptedChunk {
	return scriptedChunk{err: io.EOF}
}

func TestRun_StopsOnTerminalAskTag(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{
		{textChunk("All done. </ask>"), eofChunk()},
	}}
	e := newEngine(t, m)

	res := e.Run(context.Background(), execution.Request{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		ModelName: "gpt-4o",
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})

	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, execution.ReasonTerminalTool, res.Reason)
	assert.Equal(t, 1, res.Steps)
}

func TestRun_StopsAfterAutoContinuesExhausted(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{
		{textChunk("thinking out loud"), eofChunk()},
		{textChunk("still going"), eofChunk()},
	}}
	e := newEngine(t, m)

	res := e.Run(context.Background(), execution.Request{
		RunID:            "run-2",
		ThreadID:         "thread-2",
		ModelName:        "gpt-4o",
		Messages:         []model.Message{{Role: model.RoleUser, Content: "hi"}},
		MaxAutoContinues: 1,
	})

	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, execution.ReasonNoToolCalls, res.Reason)
	assert.Equal(t, 2, res.Steps)
}

func TestRun_ExecutesXMLToolCallAndContinues(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{
		{textChunk(`<function_calls><invoke name="search"><parameter name="q">go</parameter></invoke></function_calls>`), eofChunk()},
		{textChunk("final answer </complete>"), eofChunk()},
	}}
	e := newEngine(t, m)
	e.Tools = fakeTools{result: execution.ToolResult{Content: "search results"}}

	res := e.Run(context.Background(), execution.Request{
		RunID:     "run-3",
		ThreadID:  "thread-3",
		ModelName: "gpt-4o",
		Messages:  []model.Message{{Role: model.RoleUser, Content: "search for go"}},
	})

	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, execution.ReasonTerminalTool, res.Reason)
	assert.Equal(t, 2, res.Steps)
}

func TestRun_DeniesToolOutsideTierAllowList(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{
		{textChunk(`<function_calls><invoke name="sb_presentation_tool"><parameter name="x">1</parameter></invoke></function_calls>`), eofChunk()},
		{textChunk("done </complete>"), eofChunk()},
	}}
	e := newEngine(t, m)
	e.Tools = fakeTools{result: execution.ToolResult{Content: "should not run"}}

	res := e.Run(context.Background(), execution.Request{
		RunID:        "run-4",
		ThreadID:     "thread-4",
		ModelName:    "gpt-4o",
		Messages:     []model.Message{{Role: model.RoleUser, Content: "hi"}},
		TierName:     "free",
		AllowedTools: []string{"search"},
	})

	require.Equal(t, execution.StatusCompleted, res.Status)
}

func TestRun_StopsImmediatelyWhenContextAlreadyCancelled(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{{eofChunk()}}}
	e := newEngine(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Run(ctx, execution.Request{RunID: "run-5", ThreadID: "thread-5", ModelName: "gpt-4o"})
	assert.Equal(t, execution.StatusCancelled, res.Status)
}

func TestRun_FailsWithContextTooLongErrorCode(t *testing.T) {
	t.Parallel()

	m := &failingModel{err: model.ErrContextTooLong}
	cfg := config.Default()
	b := brokertest.New()
	w := wal.New(b, cfg, nil)
	pub := stream.NewPublisher(streamtest.New())
	e := execution.New(m, w, pub, cfg)

	res := e.Run(context.Background(), execution.Request{RunID: "run-6", ThreadID: "thread-6", ModelName: "gpt-4o"})
	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.Equal(t, execution.ReasonContextTooLong, res.Reason)
	assert.Equal(t, "CONTEXT_TOO_LONG", res.ErrorCode)
	assert.Equal(t, 2, m.calls, "expected one forced-compress retry before giving up")
}

type failingModel struct {
	err   error
	calls int
}

func (f *failingModel) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{}, f.err
}

func (f *failingModel) Stream(context.Context, model.Request) (model.Streamer, error) {
	f.calls++
	return nil, f.err
}

func TestRun_ExecutesNativeToolCallAndContinues(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{
		{{chunk: model.Chunk{Type: model.ChunkToolCall, ToolCall: &xmltool.Call{ID: "c1", Name: "search", Parameters: map[string]any{"q": "go"}}}}, eofChunk()},
		{textChunk("final answer </complete>"), eofChunk()},
	}}
	e := newEngine(t, m)
	e.Tools = fakeTools{result: execution.ToolResult{Content: "search results"}}

	res := e.Run(context.Background(), execution.Request{
		RunID:     "run-8",
		ThreadID:  "thread-8",
		ModelName: "gpt-4o",
		Messages:  []model.Message{{Role: model.RoleUser, Content: "search for go"}},
	})

	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, execution.ReasonTerminalTool, res.Reason)
	assert.Equal(t, 2, res.Steps)
}

// streamUnsupportedModel always rejects Stream with model.ErrStreamingUnsupported,
// exercising the engine's Complete-fallback path the way the OpenAI and Bedrock
// adapters do for real.
type streamUnsupportedModel struct {
	resp model.Response
}

func (m *streamUnsupportedModel) Complete(context.Context, model.Request) (model.Response, error) {
	return m.resp, nil
}

func (m *streamUnsupportedModel) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestRun_FallsBackToCompleteWhenStreamingUnsupported(t *testing.T) {
	t.Parallel()

	m := &streamUnsupportedModel{resp: model.Response{Content: "final answer </complete>"}}
	e := newEngine(t, m)

	res := e.Run(context.Background(), execution.Request{
		RunID:     "run-9",
		ThreadID:  "thread-9",
		ModelName: "gpt-4o",
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})

	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, execution.ReasonTerminalTool, res.Reason)
	assert.Equal(t, 1, res.Steps)
}

func TestCompressIfNeeded_CompletesUnderThresholdWithCompressorConfigured(t *testing.T) {
	t.Parallel()

	m := &fakeModel{responses: [][]scriptedChunk{
		{textChunk("done </complete>"), eofChunk()},
	}}
	e := newEngine(t, m)
	e.Compressor = compression.New(compression.DefaultTokenCounter{}, func(string) int { return 1_000_000 })

	res := e.Run(context.Background(), execution.Request{
		RunID:     "run-7",
		ThreadID:  "thread-7",
		ModelName: "gpt-4o",
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	assert.Equal(t, execution.StatusCompleted, res.Status)
}
