package errors_test

import (
	goerrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/internal/errors"
)

func TestMap_ExplicitCodeTakesPriorityOverMessage(t *testing.T) {
	t.Parallel()

	mapped := errors.Map(goerrors.New("some unrelated failure"), errors.CreditExhausted)
	assert.Equal(t, errors.CreditExhausted, mapped.Code)
	assert.False(t, mapped.Recoverable)
}

func TestMap_MatchesMessageAgainstPatternTable(t *testing.T) {
	t.Parallel()

	cases := map[string]errors.Code{
		"received a 429 from the provider":   errors.RateLimit,
		"insufficient_credits on account":    errors.CreditExhausted,
		"too many concurrent tasks running":  errors.ConcurrentLimit,
		"model access not allowed for tier":  errors.ModelAccessDenied,
		"sandbox failed to start":            errors.SandboxUnavailable,
		"provider overloaded right now":      errors.LLMOverloaded,
		"the request timed out":              errors.LLMTimeout,
		"exceeded token limit for context":   errors.ContextTooLong,
		"mcp server unreachable":             errors.MCPConnectionFailed,
		"tool execution failed unexpectedly": errors.ToolExecutionFailed,
		"401 unauthorized":                   errors.AuthenticationExpired,
		"network connection reset":           errors.NetworkError,
		"billing account past due":           errors.BillingError,
		"project not found for account":      errors.ProjectNotFound,
		"thread not found":                   errors.ThreadNotFound,
	}

	for msg, want := range cases {
		mapped := errors.Map(goerrors.New(msg), "")
		assert.Equal(t, want, mapped.Code, "message: %s", msg)
	}
}

func TestMap_FallsBackToInternalErrorWhenNothingMatches(t *testing.T) {
	t.Parallel()

	mapped := errors.Map(goerrors.New("a completely novel failure mode"), "")
	assert.Equal(t, errors.InternalError, mapped.Code)
}

func TestMapCode_UnknownCodeFallsBackToInternalError(t *testing.T) {
	t.Parallel()

	mapped := errors.MapCode("NOT_A_REAL_CODE")
	assert.Equal(t, errors.InternalError, mapped.Code)
}

func TestToStreamEvent_CarriesMessageAndActions(t *testing.T) {
	t.Parallel()

	event := errors.ToStreamEvent(goerrors.New("ignored"), errors.RateLimit)
	require.Equal(t, "RATE_LIMIT", event.ErrorCode)
	assert.True(t, event.Recoverable)
	require.Len(t, event.Actions, 1)
	assert.Equal(t, "retry", event.Actions[0].Type)
	assert.Equal(t, 5, event.Actions[0].DelaySeconds)
}
