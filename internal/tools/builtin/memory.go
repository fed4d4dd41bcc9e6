package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/internal/tools/files"
	"github.com/llama-farm/openhoof/pkg/models"
)

// MemoryWriteTool writes to a file in the calling agent's workspace (§4.4
// memory_write). Files under memory/ ending in .md are treated as daily
// logs: append mode prefixes a new file with a header and each entry with
// a timestamp, grounded on original_source's memory.py.
type MemoryWriteTool struct{}

func (MemoryWriteTool) Name() string        { return "memory_write" }
func (MemoryWriteTool) Description() string { return "Write or append content to a file in your workspace." }

func (MemoryWriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file": {"type": "string", "description": "Path relative to workspace, e.g. memory/2026-02-06.md"},
			"content": {"type": "string"},
			"append": {"type": "boolean", "default": false}
		},
		"required": ["file", "content"]
	}`)
}

func (MemoryWriteTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		File    string `json:"file"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}

	resolved, err := (files.Resolver{Root: cc.Workspace}).Resolve(in.File)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return models.ToolResult{}, fmt.Errorf("create parent directory: %w", err)
	}

	isDaily := strings.HasPrefix(in.File, "memory/") && strings.HasSuffix(in.File, ".md")

	if in.Append {
		if _, err := os.Stat(resolved); os.IsNotExist(err) && isDaily {
			date := strings.TrimSuffix(strings.TrimPrefix(in.File, "memory/"), ".md")
			if err := os.WriteFile(resolved, []byte(fmt.Sprintf("# Memory Log: %s\n\n", date)), 0o644); err != nil {
				return models.ToolResult{}, fmt.Errorf("create daily log: %w", err)
			}
		}
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return models.ToolResult{}, fmt.Errorf("open file: %w", err)
		}
		defer f.Close()
		entry := fmt.Sprintf("\n**%s:** %s\n", time.Now().Format("15:04"), in.Content)
		if _, err := f.WriteString(entry); err != nil {
			return models.ToolResult{}, fmt.Errorf("append file: %w", err)
		}
		return models.ToolResult{Success: true, Message: fmt.Sprintf("Appended to %s", in.File)}, nil
	}

	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return models.ToolResult{}, fmt.Errorf("write file: %w", err)
	}
	return models.ToolResult{Success: true, Message: fmt.Sprintf("Wrote %s", in.File)}, nil
}

// MemoryReadTool reads a file from the calling agent's workspace (§4.4
// memory_read).
type MemoryReadTool struct{}

func (MemoryReadTool) Name() string        { return "memory_read" }
func (MemoryReadTool) Description() string { return "Read a file from your workspace." }

func (MemoryReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"file": {"type": "string"}},
		"required": ["file"]
	}`)
}

func (MemoryReadTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}

	resolved, err := (files.Resolver{Root: cc.Workspace}).Resolve(in.File)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("file not found: %s", in.File)}, nil
		}
		return models.ToolResult{}, fmt.Errorf("read file: %w", err)
	}
	return models.ToolResult{
		Success: true,
		Data:    map[string]any{"content": string(data)},
		Message: fmt.Sprintf("Read %d characters from %s", len(data), in.File),
	}, nil
}

var (
	_ tools.Tool = MemoryWriteTool{}
	_ tools.Tool = MemoryReadTool{}
)
