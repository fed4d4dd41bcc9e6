package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

var validYieldModes = map[string]bool{"sleep": true, "continue": true, "shutdown": true}

// YieldTool lets an autonomous agent control its own pacing: sleep for N
// seconds, continue immediately, or shut the autonomy loop down (§4.4
// yield). It only validates and acknowledges the request; the autonomy
// loop runner reads the structured result back out of the tool call and
// enacts the pacing.
type YieldTool struct{}

func (YieldTool) Name() string { return "yield" }
func (YieldTool) Description() string {
	return "Control your execution pacing in autonomous mode. mode='sleep' pauses for N seconds, " +
		"mode='continue' requests an immediate next turn, mode='shutdown' stops the autonomous loop."
}

func (YieldTool) AutonomousOnly() bool { return true }

func (YieldTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"mode": {"type": "string", "enum": ["sleep", "continue", "shutdown"]},
			"sleep": {"type": "integer", "description": "seconds, required when mode='sleep'"},
			"reason": {"type": "string"},
			"wake_early_if": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["mode"]
	}`)
}

func (YieldTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	if _, ok := FromContext(ctx); !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Mode        string   `json:"mode"`
		Sleep       int      `json:"sleep"`
		Reason      string   `json:"reason"`
		WakeEarlyIf []string `json:"wake_early_if"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}

	if !validYieldModes[in.Mode] {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid mode: %q. Must be one of: sleep, continue, shutdown", in.Mode)}, nil
	}
	if in.Mode == "sleep" && in.Sleep <= 0 {
		return models.ToolResult{Success: false, Error: "mode='sleep' requires a positive integer 'sleep' parameter (seconds)"}, nil
	}

	var msg string
	switch in.Mode {
	case "sleep":
		msg = fmt.Sprintf("Sleeping for %ds", in.Sleep)
		if len(in.WakeEarlyIf) > 0 {
			msg += fmt.Sprintf(" (wake early on: %s)", strings.Join(in.WakeEarlyIf, ", "))
		}
	case "continue":
		msg = "Continuing immediately"
	case "shutdown":
		msg = "Shutting down autonomous loop"
	}
	if in.Reason != "" {
		msg += " — " + in.Reason
	}

	return models.ToolResult{
		Success: true,
		Data: map[string]any{
			"mode":          in.Mode,
			"sleep":         in.Sleep,
			"reason":        in.Reason,
			"wake_early_if": in.WakeEarlyIf,
		},
		Message: msg,
	}, nil
}

var (
	_ tools.Tool           = YieldTool{}
	_ tools.AutonomousOnly = YieldTool{}
)
