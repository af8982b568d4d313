package anthropic

import (
	"context"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/xmltool"
)

// streamer adapts an Anthropic Messages streaming response to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	toolBlocks map[int64]*toolBuffer
}

// toolBuffer accumulates one tool_use content block's id/name (from its
// ContentBlockStartEvent) and its incremental InputJSONDelta fragments
// until the matching ContentBlockStopEvent closes it.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newStreamer(ctx context.Context, s *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	return &streamer{ctx: cctx, cancel: cancel, stream: s, toolBlocks: make(map[int64]*toolBuffer)}
}

// Recv advances the underlying SSE stream by one event and translates it
// into a model.Chunk. Text deltas become ChunkText, message_stop becomes a
// ChunkStatus with Status "stopped", usage reported on message_delta becomes
// ChunkUsage, and a tool_use content block — opened by
// ContentBlockStartEvent, accumulated across InputJSONDelta fragments, and
// closed by ContentBlockStopEvent — becomes a single ChunkToolCall once
// complete.
func (s *streamer) Recv() (model.Chunk, error) {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				s.toolBlocks[ev.Index] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					return model.Chunk{Type: model.ChunkText, Delta: delta.Text}, nil
				}
			case sdk.InputJSONDelta:
				if tb := s.toolBlocks[ev.Index]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := s.toolBlocks[ev.Index]; tb != nil {
				delete(s.toolBlocks, ev.Index)
				return model.Chunk{Type: model.ChunkToolCall, ToolCall: &xmltool.Call{
					ID:         tb.id,
					Name:       tb.name,
					Parameters: tb.parameters(),
				}}, nil
			}
		case sdk.MessageDeltaEvent:
			usage := model.TokenUsage{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
				TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			}
			return model.Chunk{Type: model.ChunkUsage, Usage: usage}, nil
		case sdk.MessageStopEvent:
			return model.Chunk{Type: model.ChunkStatus, Status: "stopped"}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return model.Chunk{}, translateError(err)
	}
	return model.Chunk{}, io.EOF
}

func (tb *toolBuffer) parameters() map[string]any {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	return decodeToolInput([]byte(joined))
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}
