package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// AgentLifecycle lets ConfigureAgentTool check whether an agent is currently
// running and stop it, without depending on the agent manager package
// directly.
type AgentLifecycle interface {
	IsRunning(agentID string) bool
	StopAgent(ctx context.Context, agentID string) error
}

// ConfigureAgentTool creates, reads, updates, and deletes agent
// configurations and workspace files (§4.4/§6 configure_agent).
type ConfigureAgentTool struct {
	Lifecycle AgentLifecycle
}

func (ConfigureAgentTool) Name() string { return "configure_agent" }
func (ConfigureAgentTool) Description() string {
	return "Create, read, update, or delete agent configurations. " +
		"Use action='create' to make a new agent, 'read' to inspect an existing agent, " +
		"'update' to modify an agent's config or workspace files, 'delete' to remove an agent."
}

func (ConfigureAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["create", "read", "update", "delete"]},
			"agent_id": {"type": "string", "description": "kebab-case agent identifier"},
			"config": {
				"type": "object",
				"description": "Agent configuration. Required for create, optional for update."
			},
			"files": {
				"type": "object",
				"description": "Workspace files to write, as {filename: content}"
			}
		},
		"required": ["action", "agent_id"]
	}`)
}

func (t ConfigureAgentTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	// config may be omitted entirely; decode it separately so a missing
	// "config" key doesn't error against a struct-typed field.
	var raw struct {
		Action  string            `json:"action"`
		AgentID string            `json:"agent_id"`
		Config  json.RawMessage   `json:"config"`
		Files   map[string]string `json:"files"`
	}
	if err := json.Unmarshal(params, &raw); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	var in struct {
		Action  string
		AgentID string
		Config  config.AgentConfig
		Files   map[string]string
	}
	in.Action, in.AgentID, in.Files = raw.Action, raw.AgentID, raw.Files
	hasConfig := len(raw.Config) > 0 && string(raw.Config) != "null"
	if hasConfig {
		if err := json.Unmarshal(raw.Config, &in.Config); err != nil {
			return models.ToolResult{}, fmt.Errorf("invalid config: %w", err)
		}
	}

	if !models.IsValidAgentID(in.AgentID) {
		return models.ToolResult{Success: false, Error: "Agent ID must be kebab-case (lowercase letters, numbers, hyphens)"}, nil
	}

	agentsDir := cc.AgentsDir
	if agentsDir == "" {
		agentsDir = filepath.Dir(cc.Workspace)
	}
	workspaceDir := filepath.Join(agentsDir, in.AgentID)

	switch in.Action {
	case "create":
		return t.create(workspaceDir, in.AgentID, in.Config, hasConfig, in.Files)
	case "read":
		return t.read(workspaceDir)
	case "update":
		return t.update(ctx, workspaceDir, in.AgentID, in.Config, hasConfig, in.Files)
	case "delete":
		return t.delete(ctx, workspaceDir, in.AgentID)
	default:
		return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid action: %s", in.Action)}, nil
	}
}

func (ConfigureAgentTool) create(workspaceDir, agentID string, cfg config.AgentConfig, hasConfig bool, files map[string]string) (models.ToolResult, error) {
	if _, err := os.Stat(workspaceDir); err == nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("Agent '%s' already exists", agentID)}, nil
	}
	if !hasConfig {
		return models.ToolResult{Success: false, Error: "Config is required for create action"}, nil
	}
	if cfg.Name == "" {
		return models.ToolResult{Success: false, Error: "Config must include 'name'"}, nil
	}
	if err := config.Validate(cfg); err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	cfg = config.ApplyDefaults(cfg)
	cfg.ID = agentID

	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return models.ToolResult{}, fmt.Errorf("create workspace dir: %w", err)
	}
	if err := config.Save(workspaceDir, cfg); err != nil {
		return models.ToolResult{}, fmt.Errorf("save config: %w", err)
	}
	for name, content := range files {
		if err := writeWorkspaceFile(workspaceDir, name, content); err != nil {
			return models.ToolResult{}, err
		}
	}
	if _, ok := files["SOUL.md"]; !ok {
		soul := defaultSoul(cfg.Name, cfg.Description)
		if err := os.WriteFile(filepath.Join(workspaceDir, "SOUL.md"), []byte(soul), 0o644); err != nil {
			return models.ToolResult{}, fmt.Errorf("write default SOUL.md: %w", err)
		}
	}

	return models.ToolResult{
		Success: true,
		Message: fmt.Sprintf("Created agent '%s' (%s) at %s", agentID, cfg.Name, workspaceDir),
		Data:    map[string]any{"agent_id": agentID, "name": cfg.Name, "workspace": workspaceDir},
	}, nil
}

func (ConfigureAgentTool) read(workspaceDir string) (models.ToolResult, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		return models.ToolResult{Success: false, Error: "Agent not found"}, nil
	}
	var cfg config.AgentConfig
	if config.Exists(workspaceDir) {
		var err error
		cfg, err = config.Load(workspaceDir)
		if err != nil {
			return models.ToolResult{Success: false, Error: err.Error()}, nil
		}
	}

	var fileList []map[string]any
	_ = filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(workspaceDir, path)
		if relErr != nil {
			return nil
		}
		fileList = append(fileList, map[string]any{"path": rel, "size": info.Size()})
		return nil
	})

	return models.ToolResult{
		Success: true,
		Data:    map[string]any{"config": cfg, "files": fileList},
	}, nil
}

func (t ConfigureAgentTool) update(ctx context.Context, workspaceDir, agentID string, update config.AgentConfig, hasConfig bool, files map[string]string) (models.ToolResult, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("Agent '%s' not found", agentID)}, nil
	}

	var updatedParts []string
	if hasConfig {
		if err := config.Validate(update); err != nil {
			return models.ToolResult{Success: false, Error: err.Error()}, nil
		}
		update = config.ApplyDefaults(update)

		existing := config.AgentConfig{}
		if config.Exists(workspaceDir) {
			var err error
			existing, err = config.Load(workspaceDir)
			if err != nil {
				return models.ToolResult{Success: false, Error: err.Error()}, nil
			}
		}
		merged := config.MergeUpdate(existing, update)
		merged.ID = agentID
		if err := config.Save(workspaceDir, merged); err != nil {
			return models.ToolResult{}, fmt.Errorf("save config: %w", err)
		}
		updatedParts = append(updatedParts, "config")
	}

	if len(files) > 0 {
		for name, content := range files {
			if err := writeWorkspaceFile(workspaceDir, name, content); err != nil {
				return models.ToolResult{}, err
			}
		}
		updatedParts = append(updatedParts, fmt.Sprintf("%d file(s)", len(files)))
	}

	runningNote := ""
	if t.Lifecycle != nil && t.Lifecycle.IsRunning(agentID) {
		runningNote = " Note: agent is running — restart for changes to take effect."
	}

	return models.ToolResult{
		Success: true,
		Message: fmt.Sprintf("Updated agent '%s': %s.%s", agentID, joinParts(updatedParts), runningNote),
		Data:    map[string]any{"agent_id": agentID, "updated": updatedParts},
	}, nil
}

func (t ConfigureAgentTool) delete(ctx context.Context, workspaceDir, agentID string) (models.ToolResult, error) {
	if agentID == models.ProtectedAgentID {
		return models.ToolResult{Success: false, Error: "Cannot delete the builder agent"}, nil
	}
	if _, err := os.Stat(workspaceDir); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("Agent '%s' not found", agentID)}, nil
	}

	if t.Lifecycle != nil && t.Lifecycle.IsRunning(agentID) {
		if err := t.Lifecycle.StopAgent(ctx, agentID); err != nil {
			return models.ToolResult{}, fmt.Errorf("stop running agent: %w", err)
		}
	}
	if err := os.RemoveAll(workspaceDir); err != nil {
		return models.ToolResult{}, fmt.Errorf("remove workspace: %w", err)
	}

	return models.ToolResult{
		Success: true,
		Message: fmt.Sprintf("Deleted agent '%s'", agentID),
		Data:    map[string]any{"agent_id": agentID},
	}, nil
}

func writeWorkspaceFile(workspaceDir, name, content string) error {
	path := filepath.Join(workspaceDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func defaultSoul(name, description string) string {
	s := fmt.Sprintf("# %s\n\n", name)
	if description != "" {
		s += description + "\n\n"
	}
	s += "## Mission\n" +
		fmt.Sprintf("You are %s. Assist users with your designated tasks.\n\n", name) +
		"## Guidelines\n" +
		"- Be helpful and concise\n" +
		"- Use your available tools when appropriate\n" +
		"- Ask for clarification when instructions are ambiguous\n"
	return s
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

var _ tools.Tool = ConfigureAgentTool{}
