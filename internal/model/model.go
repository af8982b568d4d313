// Package model defines the provider-agnostic boundary the Execution Engine
// calls through. Concrete adapters (internal/model/anthropic,
// internal/model/openai, internal/model/bedrock) translate Request/Response
// to and from each provider SDK's wire types and surface a uniform sentinel
// error set so retry and compression logic never need to know which
// provider served a given turn.
package model

import (
	"context"
	"errors"

	"goa.design/agentcore/internal/xmltool"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Class picks a tier of model when Request.Model is left empty.
type Class string

const (
	ClassDefault       Class = ""
	ClassHighReasoning Class = "high_reasoning"
	ClassSmall         Class = "small"
)

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    Role
	Content string
}

// ToolDefinition describes one tool the model may be offered natively, in
// addition to the XML dialect instructions carried in the system prompt.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// Request is one LLM call.
type Request struct {
	Model        string
	ModelClass   Class
	Messages     []Message
	SystemPrompt string
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  float32
}

// TokenUsage reports the token accounting for one call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the result of a non-streaming Complete call. ToolCalls carries
// any tool invocations the provider's native function-calling surfaced,
// reusing xmltool.Call as the common shape between that path and the XML
// dialect parsed out of Content.
type Response struct {
	Content    string
	StopReason string
	Usage      TokenUsage
	ToolCalls  []xmltool.Call
}

// ChunkType classifies one streamed Chunk, grounding the ack/thinking/
// terminal-detection output events.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkStatus   ChunkType = "status"
	ChunkUsage    ChunkType = "usage"
	ChunkToolCall ChunkType = "tool_call"
)

// Chunk is one incremental piece of a streamed response.
type Chunk struct {
	Type  ChunkType
	Delta string
	// Status carries a provider status code when Type is ChunkStatus (e.g.
	// "error", "stopped").
	Status string
	Usage  TokenUsage
	// ToolCall carries one completed native tool invocation when Type is
	// ChunkToolCall; adapters buffer a provider's incremental tool-call
	// deltas internally and emit the assembled call as a single chunk.
	ToolCall *xmltool.Call
}

// Streamer yields Chunks until the stream ends, at which point Recv returns
// io.EOF.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the adapter boundary every provider implements.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// Sentinel errors every adapter maps its provider's transient failures onto,
// so the Execution Engine's retry and compression logic stay provider
// agnostic.
var (
	ErrRateLimited          = errors.New("model: rate limited")
	ErrOverloaded           = errors.New("model: provider overloaded")
	ErrContextTooLong       = errors.New("model: context window exceeded")
	ErrStreamingUnsupported = errors.New("model: streaming not supported by this adapter")
)
