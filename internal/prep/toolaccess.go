package prep

// ToolAccessResult is the outcome of a tier-vs-tool access check.
type ToolAccessResult struct {
	Allowed         bool
	Reason          string
	ErrorCode       string
	UpgradeRequired bool
	CurrentTier     string
}

// ErrCodeToolAccessDenied marks a tool call rejected by tier restrictions.
const ErrCodeToolAccessDenied = "TOOL_ACCESS_DENIED"

// CheckToolAccess reports whether tierName's allow-list permits toolName. A
// nil allowedTools means unrestricted: every tool is allowed. This is the
// Execution Engine's per-call recheck (tier state can change mid-run, so
// admission-time filtering in Pipeline.Run alone isn't sufficient).
func CheckToolAccess(tierName string, allowedTools []string, toolName string) ToolAccessResult {
	if allowedTools == nil {
		return ToolAccessResult{Allowed: true}
	}
	for _, t := range allowedTools {
		if t == toolName {
			return ToolAccessResult{Allowed: true}
		}
	}
	return ToolAccessResult{
		Allowed:         false,
		Reason:          "the '" + toolName + "' tool is not available on the current plan",
		ErrorCode:       ErrCodeToolAccessDenied,
		UpgradeRequired: true,
		CurrentTier:     tierName,
	}
}
