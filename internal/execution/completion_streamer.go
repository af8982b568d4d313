package execution

import (
	"io"

	"goa.design/agentcore/internal/model"
)

// completionStreamer adapts a single Complete response into a model.Streamer
// so runTurn's chunk-accumulation loop can treat a non-streaming provider
// exactly like a streaming one: one ChunkText carrying the whole content
// (omitted when the content is empty), one ChunkToolCall per native tool
// call the provider returned, one ChunkUsage with the response's token
// usage, then EOF.
type completionStreamer struct {
	chunks []model.Chunk
	i      int
}

func newCompletionStreamer(resp model.Response) *completionStreamer {
	chunks := make([]model.Chunk, 0, len(resp.ToolCalls)+1)
	if resp.Content != "" {
		chunks = append(chunks, model.Chunk{Type: model.ChunkText, Delta: resp.Content})
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		chunks = append(chunks, model.Chunk{Type: model.ChunkToolCall, ToolCall: &call})
	}
	chunks = append(chunks, model.Chunk{Type: model.ChunkUsage, Usage: resp.Usage})
	return &completionStreamer{chunks: chunks}
}

func (s *completionStreamer) Recv() (model.Chunk, error) {
	if s.i >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *completionStreamer) Close() error { return nil }
