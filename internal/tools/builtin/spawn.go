package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// SpawnFunc dispatches a sub-agent run. It is supplied by whatever owns the
// sub-agent registry (the agent manager); SpawnAgentTool is otherwise
// registry-agnostic.
type SpawnFunc func(ctx context.Context, requesterSessionKey, agentID, task, label string, timeoutSeconds int) (runID string, err error)

// SpawnAgentTool spawns a sub-agent to handle a task asynchronously (§4.4
// spawn_agent). Results are announced when the child completes; this tool
// only enqueues the run.
type SpawnAgentTool struct {
	Spawn SpawnFunc
}

func (SpawnAgentTool) Name() string { return "spawn_agent" }
func (SpawnAgentTool) Description() string {
	return "Spawn a background sub-agent to handle a specific task. Runs asynchronously; results are announced when complete."
}

func (SpawnAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string"},
			"agent_id": {"type": "string", "description": "Agent type to spawn. If omitted, spawns same type as the caller."},
			"label": {"type": "string"},
			"timeout_seconds": {"type": "integer", "description": "default 300"}
		},
		"required": ["task"]
	}`)
}

func (t SpawnAgentTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Task           string `json:"task"`
		AgentID        string `json:"agent_id"`
		Label          string `json:"label"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	if in.AgentID == "" {
		in.AgentID = cc.AgentID
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = 300
	}
	label := in.Label
	if label == "" {
		label = truncate(in.Task, 50)
	}

	if t.Spawn == nil {
		runID := uuid.NewString()[:8]
		return models.ToolResult{
			Success: true,
			Data: map[string]any{
				"run_id": runID, "agent_id": in.AgentID, "task": in.Task,
				"label": label, "status": "pending_execution",
			},
			Message: fmt.Sprintf("Delegating to %s: %s...", in.AgentID, truncate(in.Task, 100)),
		}, nil
	}

	runID, err := t.Spawn(ctx, cc.SessionKey, in.AgentID, in.Task, in.Label, in.TimeoutSeconds)
	if err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("failed to spawn sub-agent: %v", err)}, nil
	}
	return models.ToolResult{
		Success: true,
		Data: map[string]any{
			"run_id": runID, "agent_id": in.AgentID, "label": label, "status": "spawned",
		},
		Message: "Sub-agent spawned. Results will be announced when complete.",
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ tools.Tool = SpawnAgentTool{}
