package subagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/internal/audit"
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

type fakeExecutor struct {
	tools []string

	runTurn func(ctx context.Context, agentID, sessionKey, prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (f *fakeExecutor) EnsureRunning(ctx context.Context, agentID string) ([]string, error) {
	return f.tools, nil
}

func (f *fakeExecutor) RunTurn(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.runTurn(ctx, agentID, sessionKey, prompt)
}

func waitForTerminal(t *testing.T, r *Registry, runID string) *Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run := r.Get(runID)
		if run != nil && run.IsComplete() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal outcome in time", runID)
	return nil
}

func TestSpawnCompletesSuccessfully(t *testing.T) {
	exec := &fakeExecutor{
		tools: []string{"shared_write", "memory_write"},
		runTurn: func(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
			return "done: found the bug", nil
		},
	}
	bus := &fakeBus{}
	reg := New(Config{}, exec, bus, nil)
	defer reg.Stop()

	run, err := reg.Spawn("agent:parent:main", "researcher", "investigate the outage", "", 5, "")
	require.NoError(t, err)
	assert.Equal(t, 8, len(run.RunID))
	assert.Equal(t, "subagent:researcher:"+run.RunID, run.ChildSessionKey)
	assert.Equal(t, "keep", run.Cleanup)

	final := waitForTerminal(t, reg, run.RunID)
	assert.Equal(t, OutcomeCompleted, final.Outcome)
	assert.Equal(t, "done: found the bug", final.Result)
	assert.False(t, final.StartedAt.IsZero())
	assert.False(t, final.EndedAt.IsZero())

	assert.Equal(t, 1, bus.count(models.EventSubagentSpawned))
	assert.Equal(t, 1, bus.count(models.EventSubagentCompleted))

	require.Len(t, exec.prompts, 1)
	assert.Contains(t, exec.prompts[0], "investigate the outage")
	assert.Contains(t, exec.prompts[0], "- shared_write")
	assert.Contains(t, exec.prompts[0], "Findings")
	assert.Contains(t, exec.prompts[0], "Summary")
}

func TestSpawnLogsAgentHandoff(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := audit.NewLogger(audit.Config{
		Enabled:    true,
		Level:      audit.LevelInfo,
		Format:     audit.FormatJSON,
		Output:     "file:" + logPath,
		BufferSize: 10,
	})
	require.NoError(t, err)
	defer logger.Close()

	exec := &fakeExecutor{
		runTurn: func(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
			return "done", nil
		},
	}
	bus := &fakeBus{}
	reg := New(Config{}, exec, bus, logger)
	defer reg.Stop()

	run, err := reg.Spawn("agent:parent:main", "researcher", "task", "", 5, "")
	require.NoError(t, err)
	waitForTerminal(t, reg, run.RunID)

	require.Eventually(t, func() bool {
		data, readErr := os.ReadFile(logPath)
		return readErr == nil && strings.Contains(string(data), "agent.handoff")
	}, time.Second, 10*time.Millisecond, "expected a handoff event to be logged")
}

func TestSpawnRecordsFailure(t *testing.T) {
	exec := &fakeExecutor{
		runTurn: func(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
			return "", errors.New("model unreachable")
		},
	}
	bus := &fakeBus{}
	reg := New(Config{}, exec, bus, nil)
	defer reg.Stop()

	run, err := reg.Spawn("agent:parent:main", "researcher", "task", "", 5, "")
	require.NoError(t, err)

	final := waitForTerminal(t, reg, run.RunID)
	assert.Equal(t, OutcomeFailed, final.Outcome)
	assert.Equal(t, "model unreachable", final.Error)
}

func TestSpawnTimesOut(t *testing.T) {
	exec := &fakeExecutor{
		runTurn: func(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
			select {
			case <-time.After(3 * time.Second):
				return "too slow", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	bus := &fakeBus{}
	reg := New(Config{}, exec, bus, nil)
	defer reg.Stop()

	run, err := reg.Spawn("agent:parent:main", "researcher", "task", "", 1, "")
	require.NoError(t, err)

	final := waitForTerminal(t, reg, run.RunID)
	assert.Equal(t, OutcomeTimeout, final.Outcome)
	assert.Equal(t, "subagent exceeded timeout", final.Error)

	require.Len(t, bus.events, 2)
	completed := bus.events[1].Data.(map[string]any)
	assert.Equal(t, false, completed["success"])
}

func TestSpawnRejectsMissingFields(t *testing.T) {
	reg := New(Config{}, &fakeExecutor{}, &fakeBus{}, nil)
	defer reg.Stop()

	_, err := reg.Spawn("requester", "", "task", "", 0, "")
	assert.Error(t, err)

	_, err = reg.Spawn("requester", "agent", "", "", 0, "")
	assert.Error(t, err)
}

func TestRegistryPersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subagent_runs.json")

	exec := &fakeExecutor{
		runTurn: func(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
			return "ok", nil
		},
	}
	bus := &fakeBus{}
	reg := New(Config{PersistPath: path}, exec, bus, nil)

	run, err := reg.Spawn("requester", "agent", "task", "", 5, "")
	require.NoError(t, err)
	waitForTerminal(t, reg, run.RunID)
	reg.Stop()

	reg2 := New(Config{PersistPath: path}, exec, bus, nil)
	defer reg2.Stop()
	restored := reg2.Get(run.RunID)
	require.NotNil(t, restored)
	assert.Equal(t, OutcomeCompleted, restored.Outcome)
}

func TestListForRequesterAndListActive(t *testing.T) {
	block := make(chan struct{})
	exec := &fakeExecutor{
		runTurn: func(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
			<-block
			return "done", nil
		},
	}
	bus := &fakeBus{}
	reg := New(Config{}, exec, bus, nil)
	defer reg.Stop()

	run, err := reg.Spawn("requester-a", "agent", "task", "", 5, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(reg.ListActive()) == 1
	}, time.Second, 5*time.Millisecond)

	forRequester := reg.ListForRequester("requester-a")
	require.Len(t, forRequester, 1)
	assert.Equal(t, run.RunID, forRequester[0].RunID)

	close(block)
	waitForTerminal(t, reg, run.RunID)
	assert.Empty(t, reg.ListActive())
}
