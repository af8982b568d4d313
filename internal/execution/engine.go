// Package execution runs the agent's turn-by-turn conversation loop:
// compress the context if needed, stream the LLM call, parse tool calls
// from both native and XML dialects, execute them, append the turn's
// writes to the write-ahead log, and decide whether to auto-continue.
package execution

import (
	"context"
	"errors"
	"time"

	"goa.design/agentcore/internal/compression"
	"goa.design/agentcore/internal/config"
	usererrors "goa.design/agentcore/internal/errors"
	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/retry"
	"goa.design/agentcore/internal/stream"
	"goa.design/agentcore/internal/telemetry"
	"goa.design/agentcore/internal/wal"
	"goa.design/agentcore/internal/xmltool"
)

// Terminal tool names that end a run when invoked successfully.
const (
	ToolAsk      = "ask"
	ToolComplete = "complete"
)

// Reasons a run can stop, surfaced in Result.Reason.
const (
	ReasonNoToolCalls    = "no_tool_calls"
	ReasonTerminalTool   = "terminal_tool"
	ReasonStepCap        = "step_cap"
	ReasonDurationCap    = "duration_cap"
	ReasonCancelled      = "cancelled"
	ReasonContextTooLong = "context_too_long"
	ReasonFatalError     = "fatal_error"
)

// Status is the terminal state of a Run call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AutoContinueState tracks an in-flight run's continuation bookkeeping
// across turns.
type AutoContinueState struct {
	Count              int
	Active             bool
	AccumulatedContent string
	ThreadRunID        string
	ToolResultTokens   int
}

// ToolStrategy selects how a turn's detected tool calls are executed.
type ToolStrategy string

const (
	StrategySequential ToolStrategy = "sequential"
	StrategyParallel   ToolStrategy = "parallel"
)

// ToolResult is one tool invocation's outcome.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// ToolExecutor runs one parsed tool call and returns its result. Errors are
// represented in ToolResult.IsError rather than a Go error, mirroring the
// turn loop's rule that tool failures become tool-result messages and never
// abort the run.
type ToolExecutor interface {
	Execute(ctx context.Context, call xmltool.Call) ToolResult
}

// CancelChecker reports whether a run's cancellation signal has been set.
type CancelChecker func(ctx context.Context, runID string) bool

// Request is everything one Run call needs to drive a run to completion.
type Request struct {
	RunID           string
	ThreadID        string
	AccountID       string
	ModelName       string
	RegistryModelID string
	Messages        []model.Message
	SystemPrompt    model.Message
	Tools           []model.ToolDefinition
	TierName        string
	AllowedTools    []string
	Strategy        ToolStrategy
	// MaxAutoContinues caps automatic continuation turns when a turn ends
	// with no tool call and no terminal tool. Zero disables auto-continue.
	MaxAutoContinues int
}

// Result is a completed Run call's outcome.
type Result struct {
	Status    Status
	Reason    string
	Error     string
	ErrorCode string
	Steps     int
	State     AutoContinueState
}

// Engine drives the turn loop for one run at a time; callers run one Engine
// goroutine per concurrently-executing run.
type Engine struct {
	Model        model.Client
	WAL          *wal.WriteAheadLog
	Publisher    stream.Publisher
	Compressor   *compression.Compressor
	Tools        ToolExecutor
	Cancelled    CancelChecker
	Config       *config.Config
	RetryPolicy  retry.Policy
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

// New returns an Engine with noop telemetry and the conventional retry
// policy; callers override fields as needed before calling Run.
func New(cli model.Client, w *wal.WriteAheadLog, pub stream.Publisher, cfg *config.Config) *Engine {
	return &Engine{
		Model:       cli,
		WAL:         w,
		Publisher:   pub,
		Config:      cfg,
		RetryPolicy: retry.NewExponentialBackoff(),
		Logger:      telemetry.NewNoopLogger(),
		Metrics:     telemetry.NewNoopMetrics(),
	}
}

// Run drives turns until the conversation reaches a terminal state: a
// terminal tool call, auto-continue exhaustion, a step/duration cap, a
// cancellation, or a fatal error.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	state := AutoContinueState{Active: true}
	started := time.Now()
	messages := append([]model.Message(nil), req.Messages...)
	step := 0
	contextRetried := false

	for {
		step++

		if e.isCancelled(ctx, req.RunID) {
			e.WAL.Append(ctx, req.RunID, wal.WriteStatus, map[string]any{"status": "cancelled"})
			return Result{Status: StatusCancelled, Reason: ReasonCancelled, Steps: step, State: state}
		}

		if step > e.maxSteps() {
			return e.fail(ctx, req, state, step, ReasonStepCap, "", "")
		}
		if time.Since(started) > e.maxDuration() {
			return e.fail(ctx, req, state, step, ReasonDurationCap, "", "")
		}

		messages = e.compressIfNeeded(ctx, req, messages)

		turn, err := e.runTurn(ctx, req, messages)
		if err != nil {
			if isContextTooLong(err) && !contextRetried {
				contextRetried = true
				messages = e.forceCompress(ctx, req, messages)
				continue
			}
			if result, handled := e.handleTurnError(ctx, req, state, step, err); handled {
				return result
			}
			continue
		}
		contextRetried = false

		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: turn.content})
		for _, tr := range turn.toolResults {
			messages = append(messages, model.Message{Role: model.RoleUser, Content: tr.Content})
		}

		e.appendTurnWrites(ctx, req, turn)

		if turn.terminal {
			return Result{Status: StatusCompleted, Reason: ReasonTerminalTool, Steps: step, State: state}
		}

		if len(turn.toolResults) > 0 {
			// A turn with tool calls always continues to let the model see
			// the results, regardless of the auto-continue cap.
			continue
		}

		if state.Count >= req.MaxAutoContinues {
			return Result{Status: StatusCompleted, Reason: ReasonNoToolCalls, Steps: step, State: state}
		}
		state.Count++
	}
}

func (e *Engine) isCancelled(ctx context.Context, runID string) bool {
	if e.Cancelled == nil {
		return ctx.Err() != nil
	}
	return e.Cancelled(ctx, runID) || ctx.Err() != nil
}

func (e *Engine) maxSteps() int {
	if e.Config != nil && e.Config.MaxSteps > 0 {
		return e.Config.MaxSteps
	}
	return 100
}

func (e *Engine) maxDuration() time.Duration {
	if e.Config != nil && e.Config.MaxDuration > 0 {
		return e.Config.MaxDuration
	}
	return time.Hour
}

func (e *Engine) fail(ctx context.Context, req Request, state AutoContinueState, step int, reason, errMsg, code string) Result {
	e.WAL.Append(ctx, req.RunID, wal.WriteStatus, map[string]any{"status": "failed", "reason": reason})
	if e.Publisher != nil {
		event := stream.ErrorEvent{Error: errMsg, ErrorCode: code, Recoverable: false}
		if errMsg != "" {
			event = usererrors.ToStreamEvent(errors.New(errMsg), usererrors.Code(code))
		} else if code != "" {
			mapped := usererrors.MapCode(usererrors.Code(code))
			event = stream.ErrorEvent{Error: mapped.Message, ErrorCode: string(mapped.Code), Recoverable: mapped.Recoverable, Actions: mapped.Actions}
		}
		e.Publisher.Publish(ctx, req.RunID, event)
	}
	return Result{Status: StatusFailed, Reason: reason, Error: errMsg, ErrorCode: code, Steps: step, State: state}
}

// compressIfNeeded calls the Compressor before the turn's LLM call and
// emits a summarizing-context status event when it actually shrank the
// conversation.
func (e *Engine) compressIfNeeded(ctx context.Context, req Request, messages []model.Message) []model.Message {
	if e.Compressor == nil {
		return messages
	}
	before := len(messages)
	res, err := e.Compressor.CheckAndCompress(ctx, messages, req.SystemPrompt, req.ModelName, req.RegistryModelID)
	if err != nil {
		if e.Publisher != nil {
			e.Publisher.Publish(ctx, req.RunID, stream.SummarizingContextEvent{Status: stream.CompressionFailed})
		}
		return messages
	}
	if !res.Compressed {
		return messages
	}
	if e.Publisher != nil {
		e.Publisher.Publish(ctx, req.RunID, stream.SummarizingContextEvent{
			Status:         stream.CompressionCompleted,
			MessagesBefore: before,
			MessagesAfter:  len(res.Messages),
			TokensAfter:    res.ActualTokens,
		})
	}
	return res.Messages
}

// forceCompress handles a provider's context-too-long rejection: force a
// compression pass regardless of the token threshold and retry the
// turn once before giving up. With no Compressor configured there is
// nothing to shrink the conversation with, so the messages pass through
// unchanged and the retry will fail the same way.
func (e *Engine) forceCompress(ctx context.Context, req Request, messages []model.Message) []model.Message {
	if e.Compressor == nil {
		return messages
	}
	before := len(messages)
	res, err := e.Compressor.ForceCompress(ctx, messages, req.SystemPrompt, req.ModelName)
	if err != nil {
		if e.Publisher != nil {
			e.Publisher.Publish(ctx, req.RunID, stream.SummarizingContextEvent{Status: stream.CompressionFailed})
		}
		return messages
	}
	if e.Publisher != nil {
		status := stream.CompressionCompleted
		if !res.Compressed {
			status = stream.CompressionFailed
		}
		e.Publisher.Publish(ctx, req.RunID, stream.SummarizingContextEvent{
			Status:         status,
			MessagesBefore: before,
			MessagesAfter:  len(res.Messages),
			TokensAfter:    res.ActualTokens,
		})
	}
	return res.Messages
}

// handleTurnError classifies a turn failure into a terminal Result:
// transient LLM errors retry with backoff (handled inside runTurn via
// e.RetryPolicy already, so reaching here means retries are exhausted).
// Context-too-long is handled by the caller before reaching here: Run
// forces one compression-and-retry pass per occurrence, so a
// context-too-long error that does reach this point is one the forced
// retry already failed to fix. Anything else is fatal.
func (e *Engine) handleTurnError(ctx context.Context, req Request, state AutoContinueState, step int, err error) (Result, bool) {
	switch {
	case isContextTooLong(err):
		return e.fail(ctx, req, state, step, ReasonContextTooLong, err.Error(), "CONTEXT_TOO_LONG"), true
	default:
		return e.fail(ctx, req, state, step, ReasonFatalError, err.Error(), "INTERNAL_ERROR"), true
	}
}

func isContextTooLong(err error) bool {
	return errors.Is(err, model.ErrContextTooLong)
}

func (e *Engine) appendTurnWrites(ctx context.Context, req Request, turn turnOutcome) {
	e.WAL.Append(ctx, req.RunID, wal.WriteMessage, map[string]any{
		"thread_id": req.ThreadID,
		"type":      "assistant",
		"content":   turn.content,
	})
	for _, tr := range turn.toolResults {
		e.WAL.Append(ctx, req.RunID, wal.WriteMessage, map[string]any{
			"thread_id": req.ThreadID,
			"type":      "tool",
			"content":   tr.Content,
			"tool_call_id": tr.CallID,
			"is_error":  tr.IsError,
		})
	}
	e.WAL.Append(ctx, req.RunID, wal.WriteCredit, map[string]any{
		"thread_id": req.ThreadID,
		"account_id": req.AccountID,
	})
	status := "continuing"
	if turn.terminal {
		status = "stopped"
	}
	e.WAL.Append(ctx, req.RunID, wal.WriteStatus, map[string]any{"status": status})
}
