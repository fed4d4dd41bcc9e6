package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// sharedDir returns the cross-agent knowledge directory: a sibling of the
// agents directory, not any one agent's workspace, grounded on
// original_source's shared.py `_get_shared_dir` (workspace.parent.parent /
// "data" / "shared").
func sharedDir(cc CallContext) (string, error) {
	if cc.AgentsDir == "" {
		return "", toolError("shared knowledge area unavailable: no agents directory configured")
	}
	dir := filepath.Join(filepath.Dir(cc.AgentsDir), "data", "shared")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shared dir: %w", err)
	}
	return dir, nil
}

type sharedIndexEntry struct {
	Key       string   `json:"key"`
	AgentID   string   `json:"agent_id"`
	SessionID string   `json:"session_key"`
	Timestamp string   `json:"timestamp"`
	Tags      []string `json:"tags"`
	Size      int      `json:"size"`
}

// SharedWriteTool writes a knowledge entry visible to every agent (§4.4
// shared_write).
type SharedWriteTool struct{}

func (SharedWriteTool) Name() string { return "shared_write" }
func (SharedWriteTool) Description() string {
	return "Write content to the shared knowledge store that all agents can read."
}

func (SharedWriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string"},
			"content": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["key", "content"]
	}`)
}

func (SharedWriteTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Key     string   `json:"key"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	dir, err := sharedDir(cc)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	knowledgeDir := filepath.Join(dir, "knowledge")
	if err := os.MkdirAll(knowledgeDir, 0o755); err != nil {
		return models.ToolResult{}, fmt.Errorf("create knowledge dir: %w", err)
	}
	tags, _ := json.Marshal(in.Tags)
	header := fmt.Sprintf("---\nauthor: %s\ncreated: %s\ntags: %s\n---\n\n", cc.AgentID, time.Now().Format(time.RFC3339), tags)
	if err := os.WriteFile(filepath.Join(knowledgeDir, in.Key+".md"), []byte(header+in.Content), 0o644); err != nil {
		return models.ToolResult{}, fmt.Errorf("write knowledge entry: %w", err)
	}

	entry := sharedIndexEntry{
		Key:       in.Key,
		AgentID:   cc.AgentID,
		SessionID: cc.SessionKey,
		Timestamp: time.Now().Format(time.RFC3339),
		Tags:      in.Tags,
		Size:      len(in.Content),
	}
	if err := appendJSONLine(filepath.Join(dir, "index.jsonl"), entry); err != nil {
		return models.ToolResult{}, err
	}

	return models.ToolResult{
		Success: true,
		Message: fmt.Sprintf("Shared knowledge '%s' saved (%d chars). All agents can now read it.", in.Key, len(in.Content)),
	}, nil
}

// SharedReadTool reads a previously written knowledge entry (§4.4
// shared_read).
type SharedReadTool struct{}

func (SharedReadTool) Name() string        { return "shared_read" }
func (SharedReadTool) Description() string { return "Read an entry from the shared knowledge store." }

func (SharedReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"key": {"type": "string"}}, "required": ["key"]}`)
}

func (SharedReadTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	dir, err := sharedDir(cc)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	path := filepath.Join(dir, "knowledge", in.Key+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		available := listKnowledgeKeys(dir)
		return models.ToolResult{Success: false, Error: fmt.Sprintf("key %q not found. Available keys: %v", in.Key, available)}, nil
	}
	return models.ToolResult{
		Success: true,
		Data:    map[string]any{"key": in.Key, "content": string(data)},
		Message: fmt.Sprintf("Read shared knowledge '%s' (%d chars)", in.Key, len(data)),
	}, nil
}

// SharedLogTool appends a finding to the shared append-only log (§4.4
// shared_log).
type SharedLogTool struct{}

func (SharedLogTool) Name() string { return "shared_log" }
func (SharedLogTool) Description() string {
	return "Log a finding or event to the shared, append-only findings log."
}

func (SharedLogTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"finding": {"type": "string"},
			"category": {"type": "string"},
			"severity": {"type": "string", "enum": ["info", "warning", "critical"]}
		},
		"required": ["finding"]
	}`)
}

type findingEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_key"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Finding   string `json:"finding"`
}

func (SharedLogTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Finding  string `json:"finding"`
		Category string `json:"category"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	if in.Category == "" {
		in.Category = "general"
	}
	if in.Severity == "" {
		in.Severity = "info"
	}
	dir, err := sharedDir(cc)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	entry := findingEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		AgentID:   cc.AgentID,
		SessionID: cc.SessionKey,
		Category:  in.Category,
		Severity:  in.Severity,
		Finding:   in.Finding,
	}
	if err := appendJSONLine(filepath.Join(dir, "findings.jsonl"), entry); err != nil {
		return models.ToolResult{}, err
	}

	preview := in.Finding
	if len(preview) > 100 {
		preview = preview[:100]
	}
	return models.ToolResult{Success: true, Message: fmt.Sprintf("Logged finding [%s|%s]: %s", in.Severity, in.Category, preview)}, nil
}

// SharedSearchTool searches shared knowledge entries and the findings log
// (§4.4 shared_search).
type SharedSearchTool struct{}

func (SharedSearchTool) Name() string        { return "shared_search" }
func (SharedSearchTool) Description() string { return "Search the shared knowledge store and findings log." }

func (SharedSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"category": {"type": "string"},
			"agent_id": {"type": "string"},
			"limit": {"type": "integer"}
		},
		"required": ["query"]
	}`)
}

func (SharedSearchTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	cc, ok := FromContext(ctx)
	if !ok {
		return models.ToolResult{}, toolError("no call context")
	}
	var in struct {
		Query    string `json:"query"`
		Category string `json:"category"`
		AgentID  string `json:"agent_id"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return models.ToolResult{}, fmt.Errorf("invalid parameters: %w", err)
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}
	dir, err := sharedDir(cc)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	query := strings.ToLower(in.Query)

	var results []map[string]any

	knowledgeDir := filepath.Join(dir, "knowledge")
	entries, _ := os.ReadDir(knowledgeDir)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".md")
		data, err := os.ReadFile(filepath.Join(knowledgeDir, e.Name()))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(key), query) || strings.Contains(strings.ToLower(string(data)), query) {
			preview := string(data)
			if len(preview) > 200 {
				preview = preview[:200]
			}
			results = append(results, map[string]any{"type": "knowledge", "key": key, "preview": preview})
		}
	}

	findingsPath := filepath.Join(dir, "findings.jsonl")
	if f, err := os.Open(findingsPath); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var entry findingEntry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				continue
			}
			if in.Category != "" && entry.Category != in.Category {
				continue
			}
			if in.AgentID != "" && entry.AgentID != in.AgentID {
				continue
			}
			if !strings.Contains(strings.ToLower(entry.Finding), query) && !strings.Contains(strings.ToLower(entry.Category), query) {
				continue
			}
			finding := entry.Finding
			if len(finding) > 200 {
				finding = finding[:200]
			}
			results = append(results, map[string]any{
				"type": "finding", "timestamp": entry.Timestamp, "agent_id": entry.AgentID,
				"category": entry.Category, "severity": entry.Severity, "finding": finding,
			})
		}
	}

	if len(results) > in.Limit {
		results = results[:in.Limit]
	}
	return models.ToolResult{
		Success: true,
		Data:    map[string]any{"results": results, "total": len(results)},
		Message: fmt.Sprintf("Found %d results for %q", len(results), in.Query),
	}, nil
}

func listKnowledgeKeys(sharedDir string) []string {
	entries, err := os.ReadDir(filepath.Join(sharedDir, "knowledge"))
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			keys = append(keys, strings.TrimSuffix(e.Name(), ".md"))
			if len(keys) >= 20 {
				break
			}
		}
	}
	return keys
}

func appendJSONLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open append-log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

var (
	_ tools.Tool = SharedWriteTool{}
	_ tools.Tool = SharedReadTool{}
	_ tools.Tool = SharedLogTool{}
	_ tools.Tool = SharedSearchTool{}
)
