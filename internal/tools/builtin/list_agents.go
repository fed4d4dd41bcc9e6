package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// RunningAgents reports which agent IDs currently have a live process, for
// list_agents' status column.
type RunningAgents interface {
	RunningAgentIDs() []string
}

// ListAgentsTool discovers every agent workspace on the host and reports
// its name, description, model and run status (§4.4 list_agents).
type ListAgentsTool struct {
	Running RunningAgents
}

func (ListAgentsTool) Name() string { return "list_agents" }
func (ListAgentsTool) Description() string {
	return "List all agents on the system with their ID, name, description, status, and model."
}

func (ListAgentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"status": {"type": "string", "enum": ["all", "running", "stopped"], "default": "all"}},
		"required": []
	}`)
}

func (t ListAgentsTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Status string `json:"status"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if in.Status == "" {
		in.Status = "all"
	}

	agentsDir := cc.AgentsDir
	if agentsDir == "" {
		agentsDir = filepath.Dir(cc.Workspace)
	}
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return models.ToolResult{Success: true, Data: map[string]any{"agents": []any{}}, Message: "No agents found."}, nil
	}

	running := map[string]bool{}
	if t.Running != nil {
		for _, id := range t.Running.RunningAgentIDs() {
			running[id] = true
		}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var agents []map[string]any
	for _, agentID := range names {
		name := agentID
		description := ""
		var model string
		autonomyEnabled := false

		if cfg, err := config.Load(filepath.Join(agentsDir, agentID)); err == nil {
			name = cfg.Name
			description = cfg.Description
			model = cfg.Model
			autonomyEnabled = cfg.Autonomy.Enabled
		}

		status := "stopped"
		if running[agentID] {
			status = "running"
		}
		if in.Status != "all" && in.Status != status {
			continue
		}

		agents = append(agents, map[string]any{
			"agent_id": agentID, "name": name, "description": description,
			"status": status, "model": model, "autonomy_enabled": autonomyEnabled,
		})
	}

	summary := fmt.Sprintf("Found %d agent(s)", len(agents))
	if in.Status != "all" {
		summary += fmt.Sprintf(" (filter: %s)", in.Status)
	}
	return models.ToolResult{Success: true, Data: map[string]any{"agents": agents}, Message: summary}, nil
}

var _ tools.Tool = ListAgentsTool{}
