// Package errors maps the low-level errors a run can fail with onto a
// small, stable vocabulary of user-facing error codes, each carrying a
// plain-language message, whether the error is recoverable, and the
// remediation actions a client can offer.
package errors

import (
	"regexp"
	"strings"

	"goa.design/agentcore/internal/stream"
)

// Code is one of the enumerated user-facing error codes.
type Code string

const (
	RateLimit            Code = "RATE_LIMIT"
	CreditExhausted      Code = "CREDIT_EXHAUSTED"
	ConcurrentLimit      Code = "CONCURRENT_LIMIT"
	ModelAccessDenied    Code = "MODEL_ACCESS_DENIED"
	SandboxUnavailable   Code = "SANDBOX_UNAVAILABLE"
	LLMOverloaded        Code = "LLM_OVERLOADED"
	LLMTimeout           Code = "LLM_TIMEOUT"
	ContextTooLong       Code = "CONTEXT_TOO_LONG"
	MCPConnectionFailed  Code = "MCP_CONNECTION_FAILED"
	ToolExecutionFailed  Code = "TOOL_EXECUTION_FAILED"
	AuthenticationExpired Code = "AUTHENTICATION_EXPIRED"
	NetworkError         Code = "NETWORK_ERROR"
	InternalError        Code = "INTERNAL_ERROR"
	BillingError         Code = "BILLING_ERROR"
	ProjectNotFound      Code = "PROJECT_NOT_FOUND"
	ThreadNotFound       Code = "THREAD_NOT_FOUND"
)

// UserError is the user-facing rendering of an internal failure.
type UserError struct {
	Message     string
	Code        Code
	Recoverable bool
	Actions     []stream.ErrorAction
}

var mappings = map[Code]UserError{
	RateLimit: {
		Message: "We're experiencing high demand. Your request will be processed shortly.",
		Code:    RateLimit, Recoverable: true,
		Actions: []stream.ErrorAction{{Type: "retry", Label: "Try again", DelaySeconds: 5}},
	},
	CreditExhausted: {
		Message: "You've used all your credits for this billing period.",
		Code:    CreditExhausted, Recoverable: false,
		Actions: []stream.ErrorAction{
			{Type: "link", Label: "Upgrade plan", URL: "/settings/billing"},
			{Type: "link", Label: "View usage", URL: "/settings/usage"},
		},
	},
	ConcurrentLimit: {
		Message: "You have too many tasks running. Please wait for one to complete.",
		Code:    ConcurrentLimit, Recoverable: true,
		Actions: []stream.ErrorAction{{Type: "retry", Label: "Try again", DelaySeconds: 10}},
	},
	ModelAccessDenied: {
		Message: "Your plan doesn't include access to this AI model.",
		Code:    ModelAccessDenied, Recoverable: false,
		Actions: []stream.ErrorAction{
			{Type: "link", Label: "Upgrade plan", URL: "/settings/billing"},
			{Type: "switch_model", Label: "Use default model"},
		},
	},
	SandboxUnavailable: {
		Message: "The development environment is temporarily unavailable. We're working on it.",
		Code:    SandboxUnavailable, Recoverable: true,
		Actions: []stream.ErrorAction{{Type: "retry", Label: "Try again", DelaySeconds: 30}},
	},
	LLMOverloaded: {
		Message: "The AI service is experiencing high load. Retrying automatically.",
		Code:    LLMOverloaded, Recoverable: true,
		Actions: []stream.ErrorAction{{Type: "retry", Label: "Try again", DelaySeconds: 5}},
	},
	LLMTimeout: {
		Message: "The AI took too long to respond. This can happen with complex requests.",
		Code:    LLMTimeout, Recoverable: true,
		Actions: []stream.ErrorAction{
			{Type: "retry", Label: "Try again"},
			{Type: "simplify", Label: "Try a simpler request"},
		},
	},
	ContextTooLong: {
		Message: "The conversation is too long for the AI to process. Try starting a new thread.",
		Code:    ContextTooLong, Recoverable: false,
		Actions: []stream.ErrorAction{
			{Type: "new_thread", Label: "Start new conversation"},
			{Type: "link", Label: "Learn more", URL: "/docs/context-limits"},
		},
	},
	MCPConnectionFailed: {
		Message: "Couldn't connect to one of your integrations. The task will continue without it.",
		Code:    MCPConnectionFailed, Recoverable: true,
		Actions: []stream.ErrorAction{{Type: "link", Label: "Check integrations", URL: "/settings/integrations"}},
	},
	ToolExecutionFailed: {
		Message: "A tool encountered an error. The AI will try an alternative approach.",
		Code:    ToolExecutionFailed, Recoverable: true,
		Actions: nil,
	},
	AuthenticationExpired: {
		Message: "Your session has expired. Please sign in again.",
		Code:    AuthenticationExpired, Recoverable: false,
		Actions: []stream.ErrorAction{{Type: "link", Label: "Sign in", URL: "/login"}},
	},
	NetworkError: {
		Message: "Connection issue detected. Please check your internet connection.",
		Code:    NetworkError, Recoverable: true,
		Actions: []stream.ErrorAction{{Type: "retry", Label: "Try again"}},
	},
	InternalError: {
		Message: "Something went wrong on our end. Our team has been notified.",
		Code:    InternalError, Recoverable: true,
		Actions: []stream.ErrorAction{
			{Type: "retry", Label: "Try again", DelaySeconds: 5},
			{Type: "link", Label: "Check status", URL: "https://status.suna.so"},
		},
	},
	BillingError: {
		Message: "There's an issue with your billing. Please update your payment method.",
		Code:    BillingError, Recoverable: false,
		Actions: []stream.ErrorAction{{Type: "link", Label: "Update payment", URL: "/settings/billing"}},
	},
	ProjectNotFound: {
		Message: "This project no longer exists or you don't have access to it.",
		Code:    ProjectNotFound, Recoverable: false,
		Actions: []stream.ErrorAction{{Type: "link", Label: "Go to projects", URL: "/projects"}},
	},
	ThreadNotFound: {
		Message: "This conversation no longer exists.",
		Code:    ThreadNotFound, Recoverable: false,
		Actions: []stream.ErrorAction{{Type: "new_thread", Label: "Start new conversation"}},
	},
}

type codePattern struct {
	re   *regexp.Regexp
	code Code
}

// patterns is checked in order against the lowercased error string when no
// explicit code is given; first match wins, mirroring the original's
// ordered substring/regex scan.
var patterns = []codePattern{
	{regexp.MustCompile(`rate limit`), RateLimit},
	{regexp.MustCompile(`rate_limit`), RateLimit},
	{regexp.MustCompile(`429`), RateLimit},
	{regexp.MustCompile(`credit`), CreditExhausted},
	{regexp.MustCompile(`insufficient_credits`), CreditExhausted},
	{regexp.MustCompile(`concurrent`), ConcurrentLimit},
	{regexp.MustCompile(`too many`), ConcurrentLimit},
	{regexp.MustCompile(`model access`), ModelAccessDenied},
	{regexp.MustCompile(`not allowed`), ModelAccessDenied},
	{regexp.MustCompile(`sandbox`), SandboxUnavailable},
	{regexp.MustCompile(`workspace`), SandboxUnavailable},
	{regexp.MustCompile(`overloaded`), LLMOverloaded},
	{regexp.MustCompile(`capacity`), LLMOverloaded},
	{regexp.MustCompile(`timeout`), LLMTimeout},
	{regexp.MustCompile(`timed out`), LLMTimeout},
	{regexp.MustCompile(`context length`), ContextTooLong},
	{regexp.MustCompile(`token limit`), ContextTooLong},
	{regexp.MustCompile(`max.*token`), ContextTooLong},
	{regexp.MustCompile(`mcp`), MCPConnectionFailed},
	{regexp.MustCompile(`integration`), MCPConnectionFailed},
	{regexp.MustCompile(`tool.*fail`), ToolExecutionFailed},
	{regexp.MustCompile(`tool.*error`), ToolExecutionFailed},
	{regexp.MustCompile(`auth`), AuthenticationExpired},
	{regexp.MustCompile(`unauthorized`), AuthenticationExpired},
	{regexp.MustCompile(`401`), AuthenticationExpired},
	{regexp.MustCompile(`network`), NetworkError},
	{regexp.MustCompile(`connection`), NetworkError},
	{regexp.MustCompile(`billing`), BillingError},
	{regexp.MustCompile(`payment`), BillingError},
	{regexp.MustCompile(`project.*not found`), ProjectNotFound},
	{regexp.MustCompile(`thread.*not found`), ThreadNotFound},
}

// Map resolves err to a UserError. If code is non-empty and known, its
// mapping is returned directly; otherwise err's message is scanned against
// patterns in order, falling back to InternalError if nothing matches.
func Map(err error, code Code) UserError {
	if code != "" {
		if m, ok := mappings[code]; ok {
			return m
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p.re.MatchString(errStr) {
			return mappings[p.code]
		}
	}
	return mappings[InternalError]
}

// MapCode resolves a known code directly, falling back to InternalError.
func MapCode(code Code) UserError {
	if m, ok := mappings[code]; ok {
		return m
	}
	return mappings[InternalError]
}

// ToStreamEvent maps err (with an optional known code) to the terminal
// stream.ErrorEvent a run's execution loop publishes on failure.
func ToStreamEvent(err error, code Code) stream.ErrorEvent {
	mapped := Map(err, code)
	return stream.ErrorEvent{
		Error:       mapped.Message,
		ErrorCode:   string(mapped.Code),
		Recoverable: mapped.Recoverable,
		Actions:     mapped.Actions,
	}
}
