package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/tools"
)

func withTestContext(t *testing.T, agentsDir, agentID string) context.Context {
	t.Helper()
	workspace := filepath.Join(agentsDir, agentID)
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	return WithCallContext(context.Background(), CallContext{
		AgentID:   agentID,
		AgentsDir: agentsDir,
		Workspace: workspace,
	})
}

func TestMemoryWriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "trader")

	_, err := MemoryWriteTool{}.Execute(ctx, json.RawMessage(`{"file":"notes.md","content":"hello"}`))
	require.NoError(t, err)

	result, err := MemoryReadTool{}.Execute(ctx, json.RawMessage(`{"file":"notes.md"}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Data.(map[string]any)["content"])
}

func TestMemoryWriteAppendCreatesDailyLogHeader(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "trader")

	_, err := MemoryWriteTool{}.Execute(ctx, json.RawMessage(`{"file":"memory/2026-07-30.md","content":"observed a spike","append":true}`))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "trader", "memory", "2026-07-30.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Memory Log: 2026-07-30")
	assert.Contains(t, string(data), "observed a spike")
}

func TestMemoryReadMissingFileReturnsFailureNotError(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "trader")

	result, err := MemoryReadTool{}.Execute(ctx, json.RawMessage(`{"file":"missing.md"}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestSharedWriteThenReadAcrossAgents(t *testing.T) {
	dir := t.TempDir()
	writerCtx := withTestContext(t, dir, "writer-agent")
	readerCtx := withTestContext(t, dir, "reader-agent")

	_, err := SharedWriteTool{}.Execute(writerCtx, json.RawMessage(`{"key":"market-note","content":"BTC flat","tags":["crypto"]}`))
	require.NoError(t, err)

	result, err := SharedReadTool{}.Execute(readerCtx, json.RawMessage(`{"key":"market-note"}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Data.(map[string]any)["content"], "BTC flat")
}

func TestSharedSearchFindsKnowledgeAndFindings(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "analyst")

	_, err := SharedWriteTool{}.Execute(ctx, json.RawMessage(`{"key":"outage-report","content":"datacenter outage in region A"}`))
	require.NoError(t, err)
	_, err = SharedLogTool{}.Execute(ctx, json.RawMessage(`{"finding":"region A outage detected","category":"infra","severity":"critical"}`))
	require.NoError(t, err)

	result, err := SharedSearchTool{}.Execute(ctx, json.RawMessage(`{"query":"outage"}`))
	require.NoError(t, err)
	data := result.Data.(map[string]any)
	assert.Equal(t, 2, data["total"])
}

func TestYieldRejectsInvalidMode(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent")

	result, err := YieldTool{}.Execute(ctx, json.RawMessage(`{"mode":"nap"}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestYieldSleepRequiresPositiveSeconds(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent")

	result, err := YieldTool{}.Execute(ctx, json.RawMessage(`{"mode":"sleep","sleep":0}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestYieldSleepAccepted(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent")

	result, err := YieldTool{}.Execute(ctx, json.RawMessage(`{"mode":"sleep","sleep":30,"reason":"no news"}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "sleep", result.Data.(map[string]any)["mode"])
	assert.Contains(t, result.Message, "no news")
}

func TestYieldIsAutonomousOnly(t *testing.T) {
	var tool YieldTool
	assert.True(t, tool.AutonomousOnly())
}

func TestNotifyReturnsPendingApproval(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent")

	result, err := NotifyTool{}.Execute(ctx, json.RawMessage(`{"title":"Price spike","message":"BTC up 10%"}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.RequiresApproval)
	assert.NotEmpty(t, result.ApprovalID)
}

func TestConfigureAgentCreateThenReadThenDelete(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent-builder")
	tool := ConfigureAgentTool{}

	createParams := `{"action":"create","agent_id":"news-bot","config":{"name":"News Bot","description":"watches headlines"}}`
	result, err := tool.Execute(ctx, json.RawMessage(createParams))
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	_, err = os.Stat(filepath.Join(dir, "news-bot", "agent.yaml"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "news-bot", "SOUL.md"))
	require.NoError(t, err)

	readResult, err := tool.Execute(ctx, json.RawMessage(`{"action":"read","agent_id":"news-bot"}`))
	require.NoError(t, err)
	assert.True(t, readResult.Success)

	deleteResult, err := tool.Execute(ctx, json.RawMessage(`{"action":"delete","agent_id":"news-bot"}`))
	require.NoError(t, err)
	assert.True(t, deleteResult.Success)
	_, err = os.Stat(filepath.Join(dir, "news-bot"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigureAgentRejectsDeletingProtectedAgent(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent-builder")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agent-builder"), 0o755))

	result, err := ConfigureAgentTool{}.Execute(ctx, json.RawMessage(`{"action":"delete","agent_id":"agent-builder"}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "builder")
}

func TestConfigureAgentRejectsInvalidID(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent-builder")

	result, err := ConfigureAgentTool{}.Execute(ctx, json.RawMessage(`{"action":"read","agent_id":"Not_Kebab"}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestConfigureAgentUpdateReplacesAutonomySectionWhole(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent-builder")
	tool := ConfigureAgentTool{}

	createParams := `{"action":"create","agent_id":"watcher","config":{"name":"Watcher","autonomy":{"enabled":true,"max_consecutive_turns":10}}}`
	_, err := tool.Execute(ctx, json.RawMessage(createParams))
	require.NoError(t, err)

	updateParams := `{"action":"update","agent_id":"watcher","config":{"autonomy":{"enabled":true,"max_consecutive_turns":99}}}`
	result, err := tool.Execute(ctx, json.RawMessage(updateParams))
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	read, err := tool.Execute(ctx, json.RawMessage(`{"action":"read","agent_id":"watcher"}`))
	require.NoError(t, err)
	readCfg := read.Data.(map[string]any)["config"].(config.AgentConfig)
	assert.Equal(t, 99, readCfg.Autonomy.MaxConsecutiveTurns)
	assert.Equal(t, "Watcher", readCfg.Name, "scalar fields untouched by the update are preserved")
}

func TestExecRejectsDangerousCommand(t *testing.T) {
	dir := t.TempDir()
	ctx := withTestContext(t, dir, "agent")

	result, err := ExecTool{}.Execute(ctx, json.RawMessage(`{"command":"rm -rf /"}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "dangerous")
}

func TestListToolsReportsRegisteredTools(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(MemoryWriteTool{}))
	require.NoError(t, registry.Register(NotifyTool{}))

	result, err := ListToolsTool{Registry: registry}.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	data := result.Data.(map[string]any)
	assert.Equal(t, 2, data["count"])
}
