// Package prep runs the parallel prechecks that gate admission of a run:
// billing reservation, concurrency limits, message history fetch, prompt
// construction, tool schema materialization, and MCP warm-up. Every task but
// prompt construction is fanned out with an errgroup so their wall time is
// bounded by the slowest task rather than their sum; the prompt is built
// afterwards because it depends on the filtered tool schemas.
package prep

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/agentcore/internal/model"
)

// Error codes a failing precheck can surface to the caller.
const (
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeRunLimitExceeded    = "AGENT_RUN_LIMIT_EXCEEDED"
	ErrCodeModelAccessDenied   = "MODEL_ACCESS_DENIED"
	ErrCodeBilling             = "BILLING_ERROR"
	ErrCodePrep                = "PREP_ERROR"
)

// BillingResult is the Billing task's outcome.
type BillingResult struct {
	CanRun    bool
	Message   string
	ErrorCode string
}

// LimitsResult is the Limits task's outcome.
type LimitsResult struct {
	CanRun         bool
	Message        string
	ConcurrentRuns int
	ConcurrentCap  int
	ErrorCode      string
}

// MessagesResult is the Messages task's outcome.
type MessagesResult struct {
	Messages    []model.Message
	FromCache   bool
	FetchTimeMS float64
}

// PromptResult is the Prompt task's outcome.
type PromptResult struct {
	SystemPrompt model.Message
	BuildTimeMS  float64
}

// ToolsResult is the Tools task's outcome.
type ToolsResult struct {
	Schemas      []model.ToolDefinition
	FetchTimeMS float64
}

// MCPResult is the MCP task's outcome.
type MCPResult struct {
	Initialized bool
	ToolCount   int
	InitTimeMS  float64
}

// Estimate is the best-effort run-duration estimate emitted alongside
// PrepResult; it never blocks admission.
type Estimate struct {
	EstimatedSeconds float64
	Confidence       string
}

// PrepResult aggregates every task's outcome. CanProceed is false iff
// Billing or Limits failed, or any task returned an error.
type PrepResult struct {
	Billing  BillingResult
	Limits   LimitsResult
	Messages MessagesResult
	Prompt   PromptResult
	Tools    ToolsResult
	MCP      MCPResult
	Estimate Estimate

	// TierName is the account tier resolveTier resolved, exposed so a
	// caller can pick a model adapter without resolving tier twice.
	TierName string
	// AllowedTools is the tier's tool allow-list (nil means unrestricted),
	// exposed so a caller can pass it to the Execution Engine's per-call
	// recheck rather than relying on admission-time filtering alone.
	AllowedTools []string

	CanProceed bool
	ErrorCode  string
	Error      string
}

// BillingChecker reserves credits for a run. Implementations bypass the
// check entirely in local/dev deployments.
type BillingChecker interface {
	CheckAndReserve(ctx context.Context, accountID string) (ok bool, message string, err error)
}

// TierLookup resolves an account's tier name, concurrency cap, and
// allow-listed tools. A nil AllowedTools means unrestricted.
type TierLookup interface {
	Tier(ctx context.Context, accountID string) (tierName string, concurrentCap int, allowedTools []string, err error)
}

// RunCounter reports how many runs an account currently has in flight.
type RunCounter interface {
	RunningCount(ctx context.Context, accountID string) (int, error)
}

// MessageFetcher fetches the thread's message history for the LLM call.
type MessageFetcher interface {
	Fetch(ctx context.Context, threadID string) ([]model.Message, error)
}

// PromptBuilder constructs the system prompt for a run.
type PromptBuilder interface {
	Build(ctx context.Context, modelName, threadID, accountID string, tools []model.ToolDefinition) (model.Message, error)
}

// MCPLoader warms the JIT MCP tool loader, returning the tool count it
// discovered. A nil agentConfig means no MCP servers are configured.
type MCPLoader interface {
	Warm(ctx context.Context, accountID string, agentConfig map[string]any) (toolCount int, err error)
}

// Estimator predicts run duration from lightweight signals.
type Estimator interface {
	Estimate(modelName string, messageCount, toolCount int, isContinuation bool) Estimate
}

// Request bundles everything a Pipeline run needs.
type Request struct {
	AccountID      string
	ThreadID       string
	ModelName      string
	AgentConfig    map[string]any
	Tools          []model.ToolDefinition
	SkipLimits     bool
	LocalMode      bool
	IsContinuation bool
	// Prefetched, if non-nil, is used in place of MessageFetcher when
	// already resolved by the caller (mirrors preferring an
	// already-done prefetch task over a fresh fetch).
	Prefetched []model.Message
}

// Pipeline runs the prechecks fan-out.
type Pipeline struct {
	Billing   BillingChecker
	Tiers     TierLookup
	Runs      RunCounter
	Messages  MessageFetcher
	Prompts   PromptBuilder
	MCP       MCPLoader
	Estimator Estimator
}

// Run fans every task out concurrently and aggregates their results.
// CanProceed reflects the specified gating rule: false iff Billing or
// Limits denies, or any task errors.
func (p *Pipeline) Run(ctx context.Context, req Request) PrepResult {
	var res PrepResult

	// Tier resolution gates both the Limits task and the Tools task's
	// allow-list filtering, so it runs once, synchronously, ahead of the
	// fan-out rather than being raced by both.
	tierName, concurrentCap, allowedTools, tierErr := p.resolveTier(ctx, req.AccountID)

	g, gctx := errgroup.WithContext(ctx)
	var firstErr error
	var firstErrCode string
	recordErr := func(code string, err error) {
		if firstErr == nil {
			firstErr = err
			firstErrCode = code
		}
	}

	g.Go(func() error {
		res.Billing = p.runBilling(gctx, req)
		if !res.Billing.CanRun {
			recordErr(res.Billing.ErrorCode, errString(res.Billing.Message))
		}
		return nil
	})

	g.Go(func() error {
		if tierErr != nil {
			res.Limits = LimitsResult{CanRun: true, Message: "limits check failed (allowing): " + tierErr.Error()}
			return nil
		}
		if req.SkipLimits || req.LocalMode {
			res.Limits = LimitsResult{CanRun: true, Message: "limits check skipped", ConcurrentCap: concurrentCap}
			return nil
		}
		count, err := p.Runs.RunningCount(gctx, req.AccountID)
		if err != nil {
			res.Limits = LimitsResult{CanRun: true, Message: "limits check failed (allowing): " + err.Error()}
			return nil
		}
		if count >= concurrentCap {
			res.Limits = LimitsResult{
				CanRun:         false,
				Message:        "concurrent run limit exceeded",
				ConcurrentRuns: count,
				ConcurrentCap:  concurrentCap,
				ErrorCode:      ErrCodeRunLimitExceeded,
			}
			recordErr(ErrCodeRunLimitExceeded, errString(res.Limits.Message))
			return nil
		}
		res.Limits = LimitsResult{CanRun: true, Message: "within limits", ConcurrentRuns: count, ConcurrentCap: concurrentCap}
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		var err error
		res.Messages, err = p.runMessages(gctx, req)
		res.Messages.FetchTimeMS = elapsedMS(start)
		if err != nil {
			recordErr(ErrCodePrep, err)
		}
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		var err error
		filtered := filterTools(req.Tools, allowedTools)
		res.Tools, err = p.runTools(gctx, filtered)
		res.Tools.FetchTimeMS = elapsedMS(start)
		if err != nil {
			recordErr(ErrCodePrep, err)
		}
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		var err error
		res.MCP, err = p.runMCP(gctx, req)
		res.MCP.InitTimeMS = elapsedMS(start)
		if err != nil {
			// MCP failures are non-fatal per the prechecks contract.
			res.MCP = MCPResult{Initialized: false}
		}
		return nil
	})

	_ = g.Wait()

	// Prompt depends on the (possibly filtered) tool schemas, so it runs
	// after the fan-out rather than concurrently with the Tools task.
	start := time.Now()
	prompt, err := p.Prompts.Build(ctx, req.ModelName, req.ThreadID, req.AccountID, res.Tools.Schemas)
	res.Prompt = PromptResult{SystemPrompt: prompt, BuildTimeMS: elapsedMS(start)}
	if err != nil {
		recordErr(ErrCodePrep, err)
	}

	res.Estimate = p.estimate(req, res, tierName)
	res.TierName = tierName
	res.AllowedTools = allowedTools

	res.CanProceed = firstErr == nil
	if firstErr != nil {
		res.ErrorCode = firstErrCode
		res.Error = firstErr.Error()
	}
	return res
}

func (p *Pipeline) runBilling(ctx context.Context, req Request) BillingResult {
	if req.LocalMode {
		return BillingResult{CanRun: true, Message: "local mode"}
	}
	ok, message, err := p.Billing.CheckAndReserve(ctx, req.AccountID)
	if err != nil {
		return BillingResult{CanRun: false, Message: "billing check failed: " + err.Error(), ErrorCode: ErrCodeBilling}
	}
	if !ok {
		return BillingResult{CanRun: false, Message: message, ErrorCode: ErrCodeInsufficientCredits}
	}
	return BillingResult{CanRun: true, Message: message}
}

func (p *Pipeline) resolveTier(ctx context.Context, accountID string) (string, int, []string, error) {
	name, cap, allowed, err := p.Tiers.Tier(ctx, accountID)
	if cap <= 0 {
		cap = 1
	}
	return name, cap, allowed, err
}

func (p *Pipeline) runMessages(ctx context.Context, req Request) (MessagesResult, error) {
	if req.Prefetched != nil {
		return MessagesResult{Messages: req.Prefetched, FromCache: true}, nil
	}
	messages, err := p.Messages.Fetch(ctx, req.ThreadID)
	if err != nil {
		return MessagesResult{Messages: nil}, err
	}
	return MessagesResult{Messages: messages}, nil
}

func (p *Pipeline) runTools(ctx context.Context, tools []model.ToolDefinition) (ToolsResult, error) {
	return ToolsResult{Schemas: tools}, nil
}

func (p *Pipeline) runMCP(ctx context.Context, req Request) (MCPResult, error) {
	if req.AgentConfig == nil {
		return MCPResult{Initialized: false}, nil
	}
	count, err := p.MCP.Warm(ctx, req.AccountID, req.AgentConfig)
	if err != nil {
		return MCPResult{Initialized: false}, err
	}
	return MCPResult{Initialized: true, ToolCount: count}, nil
}

// estimate never blocks admission: a failing Estimator degrades silently to
// low confidence instead of surfacing an error.
func (p *Pipeline) estimate(req Request, res PrepResult, _ string) (est Estimate) {
	if p.Estimator == nil {
		return Estimate{EstimatedSeconds: 3.5, Confidence: "low"}
	}
	defer func() {
		if recover() != nil {
			est = Estimate{EstimatedSeconds: 3.5, Confidence: "low"}
		}
	}()
	return p.Estimator.Estimate(req.ModelName, len(res.Messages.Messages), len(res.Tools.Schemas), req.IsContinuation)
}

// filterTools intersects the registry's tools with a tier's allow-list. A
// nil allowList means unrestricted.
func filterTools(tools []model.ToolDefinition, allowList []string) []model.ToolDefinition {
	if allowList == nil {
		return tools
	}
	allowed := make(map[string]struct{}, len(allowList))
	for _, name := range allowList {
		allowed[name] = struct{}{}
	}
	out := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if _, ok := allowed[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

type prepError string

func (e prepError) Error() string { return string(e) }

func errString(msg string) error { return prepError(msg) }
