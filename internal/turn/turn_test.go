package turn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/internal/llm"
	"github.com/llama-farm/openhoof/internal/sessions"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

type fakeBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeBus) Emit(eventType string, data any) models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := models.Event{Type: eventType, Data: data, Timestamp: time.Now()}
	f.events = append(f.events, ev)
	return ev
}

func (f *fakeBus) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type echoTool struct{ calls int }

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes back its input" }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	t.calls++
	return models.ToolResult{Success: true, Message: "echoed"}, nil
}

func newDeps(t *testing.T, llmClient llm.Client, bus *fakeBus) Deps {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&echoTool{}))
	return Deps{
		Sessions:    mustSessionStore(t),
		Transcripts: sessions.NewTranscriptStore(""),
		Tools:       registry,
		LLM:         llmClient,
		Bus:         bus,
	}
}

func mustSessionStore(t *testing.T) *sessions.Store {
	t.Helper()
	store, err := sessions.NewStore("")
	require.NoError(t, err)
	return store
}

func TestRunSimpleTurnWithNoToolCalls(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, writeFile(ws, "SOUL.md", "You are a helpful research agent."))

	fake := llm.NewFakeClient(llm.Response{Content: "Hello there.", InputTokens: 10, OutputTokens: 5})
	bus := &fakeBus{}
	deps := newDeps(t, fake, bus)

	result, err := Run(context.Background(), deps, Request{
		AgentID: "researcher", SessionKey: "agent:researcher:main", Workspace: ws,
		Model: "fast", UserMessage: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", result.FinalText)
	assert.False(t, result.CappedOut)
	assert.Equal(t, 0, result.ToolRoundsUsed)
	assert.EqualValues(t, 10, result.InputTokens)
	assert.EqualValues(t, 5, result.OutputTokens)

	require.Len(t, fake.Calls(), 1)
	assert.Contains(t, fake.Calls()[0].System, "helpful research agent")

	session, ok := deps.Sessions.Get("agent:researcher:main")
	require.True(t, ok)
	assert.EqualValues(t, 10, session.InputTokens)
	assert.EqualValues(t, 5, session.OutputTokens)
	assert.EqualValues(t, 15, session.TotalTokens)

	assert.Equal(t, 1, bus.count(models.EventAgentMessage))

	msgs, err := deps.Transcripts.GetMessagesForContext(session.SessionID, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there.", msgs[1].Content)
}

func TestRunExecutesToolCallsThenFinishes(t *testing.T) {
	ws := t.TempDir()
	fake := llm.NewFakeClient(
		llm.Response{Content: "working on it", ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}}},
		llm.Response{Content: "done"},
	)
	bus := &fakeBus{}
	deps := newDeps(t, fake, bus)

	result, err := Run(context.Background(), deps, Request{
		AgentID: "a", SessionKey: "agent:a:main", Workspace: ws, UserMessage: "go",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.FinalText)
	assert.Equal(t, 1, result.ToolRoundsUsed)
	assert.False(t, result.CappedOut)

	assert.Equal(t, 1, bus.count(models.EventAgentToolCall))
	assert.Equal(t, 1, bus.count(models.EventAgentToolResult))

	require.Len(t, fake.Calls(), 2)
	secondCallMessages := fake.Calls()[1].Messages
	foundTool := false
	for _, m := range secondCallMessages {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			foundTool = true
			assert.Equal(t, "echoed", m.Content)
		}
	}
	assert.True(t, foundTool, "expected a tool-role message echoing back the result")

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "echo", result.ToolCalls[0].Name)
	assert.True(t, result.ToolCalls[0].Result.Success)
}

func TestRunCapsOutWhenToolRoundsExhausted(t *testing.T) {
	ws := t.TempDir()
	fake := llm.NewFakeClient()
	fake.Script = func(req llm.Request) (llm.Response, error) {
		return llm.Response{
			Content:   "still working",
			ToolCalls: []models.ToolCall{{ID: "x", Name: "echo", Arguments: json.RawMessage(`{}`)}},
		}, nil
	}
	bus := &fakeBus{}
	deps := newDeps(t, fake, bus)
	deps.MaxToolRounds = 2

	result, err := Run(context.Background(), deps, Request{
		AgentID: "a", SessionKey: "agent:a:main", Workspace: ws, UserMessage: "go",
	})
	require.NoError(t, err)
	assert.True(t, result.CappedOut)
	assert.Contains(t, result.FinalText, "tool execution was stopped")
	assert.Len(t, fake.Calls(), 2)
}

func TestRunTriggersAutoCompactionAboveThreshold(t *testing.T) {
	ws := t.TempDir()
	bus := &fakeBus{}
	transcripts := sessions.NewTranscriptStore("")
	store := mustSessionStore(t)

	session, err := store.GetOrCreate("agent:a:main", "a")
	require.NoError(t, err)
	for i := 0; i < 31; i++ {
		require.NoError(t, transcripts.Append(session.SessionID, "a", models.Message{Role: models.RoleUser, Content: "msg"}))
	}

	registry := tools.NewRegistry()
	fake := llm.NewFakeClient()
	summarizeCalls := 0
	fake.Script = func(req llm.Request) (llm.Response, error) {
		if strings.Contains(req.System, "Summarize") {
			summarizeCalls++
			return llm.Response{Content: "summary of 21 earlier messages"}, nil
		}
		return llm.Response{Content: "final answer"}, nil
	}

	deps := Deps{Sessions: store, Transcripts: transcripts, Tools: registry, LLM: fake, Bus: bus, CompactionModel: "fast"}

	result, err := Run(context.Background(), deps, Request{
		AgentID: "a", SessionKey: "agent:a:main", Workspace: ws, Model: "big", UserMessage: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.FinalText)
	assert.Equal(t, 1, summarizeCalls)

	count, err := transcripts.NonSystemMessageCount(session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, CompactKeepLast+2, count)
}

func TestRunBlocksWhenContextWindowBelowHardMinimum(t *testing.T) {
	ws := t.TempDir()
	fake := llm.NewFakeClient(llm.Response{Content: "hi"})
	bus := &fakeBus{}
	deps := newDeps(t, fake, bus)

	_, err := Run(context.Background(), deps, Request{
		AgentID: "a", SessionKey: "agent:a:main", Workspace: ws,
		Model: "unknown-model", ContextTokens: 8000, UserMessage: "hi",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context window too small")
	assert.Empty(t, fake.Calls(), "the LLM must not be called once the guard blocks the turn")
}

func TestRunWarnsWhenContextWindowBelowWarnThreshold(t *testing.T) {
	ws := t.TempDir()
	fake := llm.NewFakeClient(llm.Response{Content: "hi"})
	bus := &fakeBus{}
	deps := newDeps(t, fake, bus)

	result, err := Run(context.Background(), deps, Request{
		AgentID: "a", SessionKey: "agent:a:main", Workspace: ws,
		Model: "unknown-model", ContextTokens: 20000, UserMessage: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.FinalText)
	assert.Equal(t, 1, bus.count(models.EventAgentContextWindowWarn))
}

func TestRunSucceedsWithKnownModelDespiteNoConfiguredOverride(t *testing.T) {
	ws := t.TempDir()
	fake := llm.NewFakeClient(llm.Response{Content: "hi"})
	bus := &fakeBus{}
	deps := newDeps(t, fake, bus)

	_, err := Run(context.Background(), deps, Request{
		AgentID: "a", SessionKey: "agent:a:main", Workspace: ws,
		Model: "claude-opus-4", UserMessage: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, bus.count(models.EventAgentContextWindowWarn))
}

func writeFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}
