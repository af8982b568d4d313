package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func mustJSON(t *testing.T, raw string) []byte {
	t.Helper()
	var v sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestStreamer_TextAndToolCall(t *testing.T) {
	t.Parallel()

	events := []ssestream.Event{
		{Type: "content_block_delta", Data: mustJSON(t, `{
			"type": "content_block_delta",
			"index": 0,
			"delta": {"type": "text_delta", "text": "hello"}
		}`)},
		{Type: "content_block_start", Data: mustJSON(t, `{
			"type": "content_block_start",
			"index": 1,
			"content_block": {"type": "tool_use", "id": "t1", "name": "lookup"}
		}`)},
		{Type: "content_block_delta", Data: mustJSON(t, `{
			"type": "content_block_delta",
			"index": 1,
			"delta": {"type": "input_json_delta", "partial_json": "{\"x\":"}
		}`)},
		{Type: "content_block_delta", Data: mustJSON(t, `{
			"type": "content_block_delta",
			"index": 1,
			"delta": {"type": "input_json_delta", "partial_json": "1}"}
		}`)},
		{Type: "content_block_stop", Data: mustJSON(t, `{
			"type": "content_block_stop",
			"index": 1
		}`)},
		{Type: "message_stop", Data: mustJSON(t, `{"type": "message_stop"}`)},
	}

	dec := &testDecoder{events: events}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), stream)
	defer s.Close()

	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if err != nil {
			require.True(t, errors.Is(err, io.EOF))
			break
		}
		chunks = append(chunks, ch)
	}

	var sawText, sawTool bool
	for _, ch := range chunks {
		switch ch.Type {
		case model.ChunkText:
			sawText = true
			assert.Equal(t, "hello", ch.Delta)
		case model.ChunkToolCall:
			sawTool = true
			require.NotNil(t, ch.ToolCall)
			assert.Equal(t, "t1", ch.ToolCall.ID)
			assert.Equal(t, "lookup", ch.ToolCall.Name)
			assert.Equal(t, float64(1), ch.ToolCall.Parameters["x"])
		}
	}
	assert.True(t, sawText, "expected a text chunk")
	assert.True(t, sawTool, "expected a tool_call chunk")
}
