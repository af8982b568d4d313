package execution

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/xmltool"
)

// validateToolCall checks a parsed call's parameters against its tool's
// declared InputSchema, if one was registered. A tool with no InputSchema
// skips validation entirely — most tools (ask, complete, and anything
// XML-only) never declare one.
func validateToolCall(defs []model.ToolDefinition, call xmltool.Call) error {
	def, ok := findToolDef(defs, call.Name)
	if !ok || def.InputSchema == nil {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(def.Name+".json", def.InputSchema); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", def.Name, err)
	}
	schema, err := c.Compile(def.Name + ".json")
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", def.Name, err)
	}

	params := any(call.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("tool %q: %w", def.Name, err)
	}
	return nil
}

func findToolDef(defs []model.ToolDefinition, name string) (model.ToolDefinition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return model.ToolDefinition{}, false
}
