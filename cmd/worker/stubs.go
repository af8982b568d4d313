package main

import (
	"context"
	"fmt"
	"strings"

	"goa.design/agentcore/internal/execution"
	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/runmodel"
	"goa.design/agentcore/internal/xmltool"
)

// localRunCounter answers prep.RunCounter from this worker's in-process run
// registry. It only sees runs this worker owns, not the whole fleet, so the
// concurrency limit it enforces is a per-worker approximation rather than
// the account-wide guarantee a shared store would give; swap for a
// store-backed counter once one exists.
type localRunCounter struct {
	runs *runmodel.Registry
}

func (c localRunCounter) RunningCount(_ context.Context, accountID string) (int, error) {
	return c.runs.CountByAccount(accountID), nil
}

// alwaysAllowBilling reserves credits unconditionally. Real billing is an
// external system per the coordination core's scope; production
// deployments point Pipeline.Billing at that system's client instead.
type alwaysAllowBilling struct{}

func (alwaysAllowBilling) CheckAndReserve(context.Context, string) (bool, string, error) {
	return true, "local mode: billing bypassed", nil
}

// fixedTier resolves every account to one configured tier. Tier lookup is
// an external subscription-state concern; production deployments replace
// this with a client for that system.
type fixedTier struct {
	name          string
	concurrentCap int
	allowedTools  []string
}

func (t fixedTier) Tier(context.Context, string) (string, int, []string, error) {
	return t.name, t.concurrentCap, t.allowedTools, nil
}

// emptyHistory returns no prior messages for any thread. Message history is
// owned by whatever system persists the conversation; production
// deployments replace this with a client that reads it back.
type emptyHistory struct{}

func (emptyHistory) Fetch(context.Context, string) ([]model.Message, error) {
	return nil, nil
}

// toolListPrompt builds a minimal system prompt naming the tools offered
// this turn. It stands in for whatever templating a real prompt pipeline
// would run; the Prepare task exists to let one be swapped in without
// touching the rest of the pipeline.
type toolListPrompt struct{}

func (toolListPrompt) Build(_ context.Context, modelName, threadID, _ string, tools []model.ToolDefinition) (model.Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an agent running on %s, thread %s.", modelName, threadID)
	if len(tools) > 0 {
		names := make([]string, len(tools))
		for i, t := range tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, " Available tools: %s.", strings.Join(names, ", "))
	}
	return model.Message{Role: model.RoleSystem, Content: b.String()}, nil
}

// noMCP never warms any MCP servers. JIT MCP tool loading is configured per
// agent_config entry; production deployments wire the real loader here.
type noMCP struct{}

func (noMCP) Warm(context.Context, string, map[string]any) (int, error) {
	return 0, nil
}

// unimplementedTools reports every tool call as a failed invocation. Actual
// tool implementations (search, code execution, browsing, ...) are external
// to the coordination core; production deployments wire an executor that
// dispatches call.Name to the real tool registry.
type unimplementedTools struct{}

func (unimplementedTools) Execute(_ context.Context, call xmltool.Call) execution.ToolResult {
	return execution.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("tool %q is not available on this worker", call.Name),
		IsError: true,
	}
}
