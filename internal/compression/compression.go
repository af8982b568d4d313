// Package compression gates each LLM call behind a token-count check and,
// once a model's context window is nearly full, replaces the middle of the
// conversation with a single summary message so the turn loop can keep
// going instead of failing with a provider context-length error.
package compression

import (
	"context"
	"sort"

	"goa.design/agentcore/internal/model"
)

// thresholdRatios maps a context-window floor to the safety margin
// subtracted from it, largest window first. A window that doesn't meet any
// floor falls back to defaultRatio of its own size.
var thresholdRatios = map[int]int{
	1_000_000: 300_000,
	400_000:   64_000,
	200_000:   32_000,
	100_000:   16_000,
}

const defaultRatio = 0.84

// CalculateSafetyThreshold returns the token count at or above which a
// conversation against contextWindow must be compressed before the next
// call.
func CalculateSafetyThreshold(contextWindow int) int {
	windows := make([]int, 0, len(thresholdRatios))
	for w := range thresholdRatios {
		windows = append(windows, w)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(windows)))
	for _, w := range windows {
		if contextWindow >= w {
			return contextWindow - thresholdRatios[w]
		}
	}
	return int(float64(contextWindow) * defaultRatio)
}

// TokenCounter estimates the token footprint of a prepared message list for
// a given model. Implementations may wrap a real tokenizer; the default
// counter here is a coarse approximation.
type TokenCounter interface {
	CountTokens(ctx context.Context, modelName string, messages []model.Message) (int, error)
}

// ContextWindowLookup resolves a model or registry model id to its context
// window size in tokens.
type ContextWindowLookup func(modelID string) int

// Result is the outcome of a compression pass.
type Result struct {
	Messages     []model.Message
	ActualTokens int
	Compressed   bool
	// SkipReason explains why compression did not run, when Compressed is
	// false: "short_conversation" or "under_threshold".
	SkipReason string
}

// Compressor gates each turn's LLM call behind a token budget.
type Compressor struct {
	counter       TokenCounter
	contextWindow ContextWindowLookup
	// KeepHead/KeepTail bound how much of the conversation survives
	// verbatim around a compression summary.
	KeepHead int
	KeepTail int
}

// New returns a Compressor. contextWindow resolves a model id to its
// context window size; counter estimates token usage. Use
// DefaultTokenCounter when no real tokenizer is wired in.
func New(counter TokenCounter, contextWindow ContextWindowLookup) *Compressor {
	return &Compressor{counter: counter, contextWindow: contextWindow, KeepHead: 1, KeepTail: 6}
}

// CheckAndCompress counts prepared messages (system prompt + conversation)
// and, once the total is at or above the model's safety threshold, replaces
// the middle of the conversation with a summary message. Conversations of
// two messages or fewer are never compressed.
func (c *Compressor) CheckAndCompress(ctx context.Context, messages []model.Message, systemPrompt model.Message, modelName, registryModelID string) (Result, error) {
	prepared := append([]model.Message{systemPrompt}, messages...)

	if len(messages) <= 2 {
		tokens, err := c.counter.CountTokens(ctx, modelName, prepared)
		if err != nil {
			return Result{}, err
		}
		return Result{Messages: messages, ActualTokens: tokens, Compressed: false, SkipReason: "short_conversation"}, nil
	}

	lookupModel := registryModelID
	if lookupModel == "" {
		lookupModel = modelName
	}
	window := c.contextWindow(lookupModel)
	threshold := CalculateSafetyThreshold(window)

	actualTokens, err := c.counter.CountTokens(ctx, modelName, prepared)
	if err != nil {
		return Result{}, err
	}
	if actualTokens < threshold {
		return Result{Messages: messages, ActualTokens: actualTokens, Compressed: false, SkipReason: "under_threshold"}, nil
	}

	compressedMessages := c.compress(messages)
	newTokens, err := c.countPrepared(ctx, modelName, systemPrompt, compressedMessages)
	if err != nil {
		return Result{}, err
	}

	// Late compression: prompt caching or tool-schema insertion can push the
	// count back over threshold even after the first pass, so recheck and
	// compress once more before accepting the result.
	if newTokens >= threshold {
		again := c.compress(compressedMessages)
		if len(again) < len(compressedMessages) {
			compressedMessages = again
			newTokens, err = c.countPrepared(ctx, modelName, systemPrompt, compressedMessages)
			if err != nil {
				return Result{}, err
			}
		}
	}

	return Result{Messages: compressedMessages, ActualTokens: newTokens, Compressed: true}, nil
}

func (c *Compressor) countPrepared(ctx context.Context, modelName string, systemPrompt model.Message, messages []model.Message) (int, error) {
	prepared := append([]model.Message{systemPrompt}, messages...)
	return c.counter.CountTokens(ctx, modelName, prepared)
}

// ForceCompress compresses messages regardless of the token threshold,
// bypassing the short-conversation and under-threshold skips. The turn loop
// calls this after a provider rejects a call as too large, rather than
// re-running CheckAndCompress's threshold check against a count that
// already proved unreliable.
func (c *Compressor) ForceCompress(ctx context.Context, messages []model.Message, systemPrompt model.Message, modelName string) (Result, error) {
	compressedMessages := c.compress(messages)
	tokens, err := c.countPrepared(ctx, modelName, systemPrompt, compressedMessages)
	if err != nil {
		return Result{}, err
	}
	return Result{Messages: compressedMessages, ActualTokens: tokens, Compressed: len(compressedMessages) < len(messages)}, nil
}

// compress keeps the first KeepHead and last KeepTail messages verbatim and
// replaces everything between them with a single synthetic summary message,
// so the model retains the opening instructions and the most recent turns
// while the bulk of the history is elided rather than silently dropped.
func (c *Compressor) compress(messages []model.Message) []model.Message {
	head, tail := c.KeepHead, c.KeepTail
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if len(messages) <= head+tail {
		return messages
	}

	elided := messages[head : len(messages)-tail]
	summary := model.Message{
		Role:    model.RoleUser,
		Content: summarize(elided),
	}

	out := make([]model.Message, 0, head+1+tail)
	out = append(out, messages[:head]...)
	out = append(out, summary)
	out = append(out, messages[len(messages)-tail:]...)
	return out
}

func summarize(messages []model.Message) string {
	summary := "[context compressed: "
	summary += itoa(len(messages))
	summary += " earlier messages omitted to fit the context window]"
	return summary
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// DefaultTokenCounter approximates token count from message length, since no
// tokenizer library appears anywhere in the example pack: roughly four
// characters per token, the same rule of thumb the reference implementation
// falls back to when its tokenizer dependency is unavailable.
type DefaultTokenCounter struct{}

// CountTokens implements TokenCounter.
func (DefaultTokenCounter) CountTokens(_ context.Context, _ string, messages []model.Message) (int, error) {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars/4 + 1, nil
}
