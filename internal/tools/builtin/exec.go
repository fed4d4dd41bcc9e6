package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	execpkg "github.com/llama-farm/openhoof/internal/exec"
	toolexec "github.com/llama-farm/openhoof/internal/tools/exec"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

const defaultExecTimeout = 30 * time.Second

// ExecTool runs a shell command inside the calling agent's workspace under a
// hard timeout, rejecting commands matching the dangerous-pattern deny-list.
type ExecTool struct {
	Manager *toolexec.Manager
}

func (ExecTool) Name() string { return "exec" }
func (ExecTool) Description() string {
	return "Run a shell command in your workspace with a timeout. Dangerous commands (recursive deletes, fork bombs, raw device writes, filesystem formatting) are rejected."
}

func (ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"workdir": {"type": "string"},
			"timeout": {"type": "integer", "description": "seconds, default 30"}
		},
		"required": ["command"]
	}`)
}

func (t ExecTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	if _, ok := FromContext(ctx); !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Command string `json:"command"`
		Workdir string `json:"workdir"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}

	if execpkg.IsDangerousCommand(in.Command) {
		return models.ToolResult{Success: false, Error: "refused: command matches a dangerous pattern"}, nil
	}

	if in.Workdir != "" {
		sanitized, err := execpkg.SanitizeExecutableValue(in.Workdir)
		if err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("refused: unsafe workdir: %v", err)}, nil
		}
		in.Workdir = sanitized
	}

	timeout := defaultExecTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}

	result, err := t.Manager.RunCommand(ctx, in.Command, in.Workdir, nil, "", timeout)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("run command: %w", err)
	}

	return models.ToolResult{
		Success: result.ExitCode == 0 && result.Error == "",
		Data: map[string]any{
			"stdout":    result.Stdout,
			"stderr":    result.Stderr,
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
			"finished":  result.Finished,
		},
		Message: fmt.Sprintf("exited %d", result.ExitCode),
		Error:   result.Error,
	}, nil
}

var _ tools.Tool = ExecTool{}
