package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// ListToolsTool reports the tools currently registered, for the agent to
// introspect its own capabilities (§4.4 list_tools). Registry is set after
// construction since the registry doesn't exist yet when this tool itself
// is registered into it.
type ListToolsTool struct {
	Registry *tools.Registry
}

func (ListToolsTool) Name() string        { return "list_tools" }
func (ListToolsTool) Description() string { return "List all tools currently available to you." }

func (ListToolsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "required": []}`)
}

func (t ListToolsTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	if t.Registry == nil {
		return models.ToolResult{Success: false, Error: "tool registry not available"}, nil
	}

	var list []map[string]any
	for _, name := range t.Registry.List() {
		tool, ok := t.Registry.Get(name)
		if !ok {
			continue
		}
		desc := tool.Description()
		if len(desc) > 200 {
			desc = desc[:200]
		}
		needsApproval := false
		if na, isNA := tool.(tools.NeedsApproval); isNA {
			needsApproval = na.NeedsApproval()
		}
		list = append(list, map[string]any{
			"name":              name,
			"description":       desc,
			"requires_approval": needsApproval,
			"parameters":        schemaPropertyNames(tool.Schema()),
		})
	}

	return models.ToolResult{
		Success: true,
		Data:    map[string]any{"tools": list, "count": len(list)},
		Message: fmt.Sprintf("%d tools available", len(list)),
	}, nil
}

func schemaPropertyNames(raw json.RawMessage) []string {
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	return names
}

var _ tools.Tool = ListToolsTool{}
