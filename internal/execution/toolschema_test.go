package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/xmltool"
)

func TestValidateToolCall_SkipsWhenNoSchemaRegistered(t *testing.T) {
	t.Parallel()

	err := validateToolCall(nil, xmltool.Call{Name: "search", Parameters: map[string]any{"q": "go"}})
	assert.NoError(t, err)
}

func TestValidateToolCall_RejectsMissingRequiredParameter(t *testing.T) {
	t.Parallel()

	defs := []model.ToolDefinition{{
		Name: "search",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	}}

	err := validateToolCall(defs, xmltool.Call{Name: "search", Parameters: map[string]any{}})
	assert.Error(t, err)
}

func TestValidateToolCall_AcceptsConformingParameters(t *testing.T) {
	t.Parallel()

	defs := []model.ToolDefinition{{
		Name: "search",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	}}

	err := validateToolCall(defs, xmltool.Call{Name: "search", Parameters: map[string]any{"query": "go"}})
	assert.NoError(t, err)
}
