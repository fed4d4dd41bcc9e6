package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// NotifyTool sends an alert to a human. It always requires approval: the
// tool itself only queues the notification and returns a pending result
// (§4.4 notify).
type NotifyTool struct{}

func (NotifyTool) Name() string { return "notify" }
func (NotifyTool) Description() string {
	return "Send a notification or alert to request human attention. Requires approval before sending."
}

func (NotifyTool) NeedsApproval() bool { return true }

func (NotifyTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"message": {"type": "string"},
			"priority": {"type": "string", "enum": ["low", "medium", "high", "critical"], "default": "medium"},
			"channel": {"type": "string"}
		},
		"required": ["title", "message"]
	}`)
}

func (NotifyTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	if _, ok := FromContext(ctx); !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Title    string `json:"title"`
		Message  string `json:"message"`
		Priority string `json:"priority"`
		Channel  string `json:"channel"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}

	approvalID := uuid.NewString()[:8]
	return models.ToolResult{
		Success:          true,
		RequiresApproval: true,
		ApprovalID:       approvalID,
		Data: map[string]any{
			"notification_id": approvalID,
			"title":           in.Title,
			"message":         in.Message,
			"priority":        in.Priority,
			"channel":         in.Channel,
			"status":          "pending_approval",
		},
		Message: fmt.Sprintf("Notification '%s' queued for approval (ID: %s)", in.Title, approvalID),
	}, nil
}

var (
	_ tools.Tool          = NotifyTool{}
	_ tools.NeedsApproval = NotifyTool{}
)
