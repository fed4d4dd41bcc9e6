package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/internal/config"
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

func newTestManager(t *testing.T, llmClient llm.Client) (*Manager, string) {
	t.Helper()
	agentsDir := t.TempDir()
	store, err := sessions.NewStore("")
	require.NoError(t, err)
	m := New(Deps{
		AgentsDir:   agentsDir,
		Sessions:    store,
		Transcripts: sessions.NewTranscriptStore(""),
		Tools:       tools.NewRegistry(),
		LLM:         llmClient,
		Bus:         &fakeBus{},
	})
	t.Cleanup(m.Close)
	return m, agentsDir
}

func writeAgent(t *testing.T, agentsDir, id string, cfg config.AgentConfig) {
	t.Helper()
	cfg.ID = id
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, id), 0o755))
	require.NoError(t, config.Save(filepath.Join(agentsDir, id), cfg))
}

func TestStartAgentIsIdempotentAndEmitsOnce(t *testing.T) {
	fake := llm.NewFakeClient(llm.Response{Content: "hi"})
	m, agentsDir := newTestManager(t, fake)
	writeAgent(t, agentsDir, "alpha", config.AgentConfig{Name: "Alpha"})

	require.NoError(t, m.StartAgent(context.Background(), "alpha"))
	require.NoError(t, m.StartAgent(context.Background(), "alpha"))

	assert.True(t, m.IsRunning("alpha"))
	assert.Equal(t, []string{"alpha"}, m.RunningAgentIDs())
	assert.Equal(t, 1, m.deps.Bus.(*fakeBus).count(models.EventAgentStarted))
}

func TestStopAgentIsIdempotent(t *testing.T) {
	fake := llm.NewFakeClient(llm.Response{Content: "hi"})
	m, agentsDir := newTestManager(t, fake)
	writeAgent(t, agentsDir, "alpha", config.AgentConfig{Name: "Alpha"})
	require.NoError(t, m.StartAgent(context.Background(), "alpha"))

	require.NoError(t, m.StopAgent(context.Background(), "alpha"))
	require.NoError(t, m.StopAgent(context.Background(), "alpha"))

	assert.False(t, m.IsRunning("alpha"))
	assert.Equal(t, 1, m.deps.Bus.(*fakeBus).count(models.EventAgentStopped))
}

func TestChatAutoStartsAndRunsATurn(t *testing.T) {
	fake := llm.NewFakeClient(llm.Response{Content: "Hello there."})
	m, agentsDir := newTestManager(t, fake)
	writeAgent(t, agentsDir, "alpha", config.AgentConfig{Name: "Alpha"})

	result, err := m.Chat(context.Background(), "alpha", "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", result.FinalText)
	assert.True(t, m.IsRunning("alpha"))
}

func TestStartAgentRejectsMalformedConfig(t *testing.T) {
	fake := llm.NewFakeClient()
	m, agentsDir := newTestManager(t, fake)
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "broken", "agent.yaml"), []byte("not: valid: yaml: ["), 0o644))

	err := m.StartAgent(context.Background(), "broken")
	assert.Error(t, err)
	assert.False(t, m.IsRunning("broken"))
}

func TestStartAgentRejectsUnknownAgent(t *testing.T) {
	fake := llm.NewFakeClient()
	m, _ := newTestManager(t, fake)
	err := m.StartAgent(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestSpawnDispatchesThroughSubagentRegistry(t *testing.T) {
	fake := llm.NewFakeClient(llm.Response{Content: "spawned result"})
	m, agentsDir := newTestManager(t, fake)
	writeAgent(t, agentsDir, "alpha", config.AgentConfig{Name: "Alpha"})

	runID, err := m.Spawn(context.Background(), "agent:alpha:main", "alpha", "investigate", "", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run := m.subagents.Get(runID)
		return run != nil && run.IsComplete()
	}, time.Second, 5*time.Millisecond)
}
