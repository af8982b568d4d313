package execution

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/prep"
	"goa.design/agentcore/internal/retry"
	"goa.design/agentcore/internal/stream"
	"goa.design/agentcore/internal/xmltool"
)

type turnOutcome struct {
	content     string
	toolResults []ToolResult
	terminal    bool
}

// runTurn issues one streamed LLM call, accumulates its chunks, classifies
// them per the response-processing contract, and executes any detected
// tool calls.
func (e *Engine) runTurn(ctx context.Context, req Request, messages []model.Message) (turnOutcome, error) {
	modelReq := model.Request{
		Model:        req.ModelName,
		Messages:     messages,
		SystemPrompt: req.SystemPrompt.Content,
		Tools:        req.Tools,
	}

	var (
		content     strings.Builder
		errorChunk  bool
		terminated  bool
		attempt     int
		nativeCalls []xmltool.Call
	)

	policy := e.RetryPolicy
	if policy == nil {
		policy = retry.NewExponentialBackoff()
	}

	for {
		attempt++
		content.Reset()
		errorChunk = false
		terminated = false
		nativeCalls = nil

		streamer, err := e.Model.Stream(ctx, modelReq)
		if errors.Is(err, model.ErrStreamingUnsupported) {
			var resp model.Response
			resp, err = e.Model.Complete(ctx, modelReq)
			if err == nil {
				streamer = newCompletionStreamer(resp)
			}
		}
		if err != nil {
			if errors.Is(err, model.ErrContextTooLong) {
				return turnOutcome{}, err
			}
			if policy.ShouldRetry(attempt, err) {
				if attempt >= 2 && e.Publisher != nil {
					e.Publisher.Publish(ctx, req.RunID, stream.DegradationEvent{
						Component: "model",
						Message:   "retrying LLM call after " + err.Error(),
						Severity:  stream.SeverityWarning,
					})
				}
				select {
				case <-ctx.Done():
					return turnOutcome{}, ctx.Err()
				case <-time.After(policy.Delay(attempt)):
				}
				continue
			}
			return turnOutcome{}, err
		}

		for {
			chunk, recvErr := streamer.Recv()
			if recvErr != nil {
				if recvErr == io.EOF {
					recvErr = nil
				}
				streamer.Close()
				if recvErr != nil {
					err = recvErr
				}
				break
			}
			switch chunk.Type {
			case model.ChunkText:
				content.WriteString(chunk.Delta)
				if strings.Contains(content.String(), "</ask>") || strings.Contains(content.String(), "</complete>") {
					terminated = true
				}
			case model.ChunkStatus:
				if chunk.Status == "error" {
					errorChunk = true
				}
			case model.ChunkToolCall:
				if chunk.ToolCall != nil {
					nativeCalls = append(nativeCalls, *chunk.ToolCall)
				}
			}
		}

		if err != nil {
			if errors.Is(err, model.ErrContextTooLong) {
				return turnOutcome{}, err
			}
			if policy.ShouldRetry(attempt, err) {
				if attempt >= 2 && e.Publisher != nil {
					e.Publisher.Publish(ctx, req.RunID, stream.DegradationEvent{
						Component: "model",
						Message:   "retrying LLM call after " + err.Error(),
						Severity:  stream.SeverityWarning,
					})
				}
				select {
				case <-ctx.Done():
					return turnOutcome{}, ctx.Err()
				case <-time.After(policy.Delay(attempt)):
				}
				continue
			}
			return turnOutcome{}, err
		}

		break
	}

	if errorChunk {
		return turnOutcome{}, errors.New("model stream reported an error chunk")
	}

	finalContent := content.String()
	// Tool calls arrive in two formats: native function-call objects
	// accumulated from the provider's own tool_use-style stream events
	// (nativeCalls, already carrying a provider-issued ID), and the XML
	// dialect embedded in the assistant's text for providers without native
	// tool calling wired in. A turn may use either but not both, so this
	// is concatenation, not merge/dedup.
	calls := append(append([]xmltool.Call(nil), nativeCalls...), xmltool.ParseCallsWithIDs(finalContent, req.RunID, len(nativeCalls))...)

	results := e.executeToolCalls(ctx, req, calls)

	terminalTool := terminated
	for _, call := range calls {
		if call.Name == ToolAsk || call.Name == ToolComplete {
			terminalTool = true
		}
	}

	return turnOutcome{
		content:     finalContent,
		toolResults: results,
		terminal:    terminalTool,
	}, nil
}

func (e *Engine) executeToolCalls(ctx context.Context, req Request, calls []xmltool.Call) []ToolResult {
	if len(calls) == 0 {
		return nil
	}

	runOne := func(call xmltool.Call) ToolResult {
		access := prep.CheckToolAccess(req.TierName, req.AllowedTools, call.Name)
		if !access.Allowed {
			return ToolResult{CallID: call.ID, Name: call.Name, Content: access.Reason, IsError: true}
		}
		if err := validateToolCall(req.Tools, call); err != nil {
			return ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
		}
		if e.Tools == nil {
			return ToolResult{CallID: call.ID, Name: call.Name, Content: "no tool executor configured", IsError: true}
		}
		result := e.Tools.Execute(ctx, call)
		result.CallID = call.ID
		result.Name = call.Name
		return result
	}

	if req.Strategy == StrategyParallel {
		results := make([]ToolResult, len(calls))
		done := make(chan struct{}, len(calls))
		for i, call := range calls {
			go func(i int, call xmltool.Call) {
				results[i] = runOne(call)
				done <- struct{}{}
			}(i, call)
		}
		for range calls {
			<-done
		}
		return results
	}

	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, runOne(call))
	}
	return results
}
