// Package subagent tracks spawned child-agent runs: it owns the async
// dispatch, timeout enforcement, and persisted outcome of each run.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llama-farm/openhoof/internal/audit"
	"github.com/llama-farm/openhoof/pkg/models"
)

// Outcome describes how a completed run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeFailed    Outcome = "failed"
)

// Run is a persisted record of one spawned sub-agent.
type Run struct {
	RunID                string    `json:"run_id"`
	ChildSessionKey       string    `json:"child_session_key"`
	RequesterSessionKey   string    `json:"requester_session_key"`
	AgentID               string    `json:"agent_id"`
	Task                  string    `json:"task"`
	Label                 string    `json:"label,omitempty"`
	Cleanup               string    `json:"cleanup"` // "keep" or "delete"
	TimeoutSeconds        int       `json:"timeout_seconds"`
	CreatedAt             time.Time `json:"created_at"`
	StartedAt             time.Time `json:"started_at,omitempty"`
	EndedAt               time.Time `json:"ended_at,omitempty"`
	Outcome               Outcome   `json:"outcome,omitempty"`
	Result                string    `json:"result,omitempty"`
	Error                 string    `json:"error,omitempty"`
}

// IsComplete reports whether the run has reached a terminal outcome.
func (r *Run) IsComplete() bool {
	switch r.Outcome {
	case OutcomeCompleted, OutcomeTimeout, OutcomeFailed:
		return true
	}
	return false
}

// Duration returns the run's wall-clock execution time, or zero if it
// hasn't both started and ended.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Executor runs the child side of a spawned task. It stands in for
// whatever owns agent lifecycles and turn execution.
type Executor interface {
	// EnsureRunning makes sure agentID has a live process (starting it, or
	// provisioning an ephemeral workspace first, if one doesn't exist) and
	// returns the names of the tools available to it.
	EnsureRunning(ctx context.Context, agentID string) (toolNames []string, err error)

	// RunTurn executes one agent turn for agentID against sessionKey with
	// the given prompt and returns the turn's final text.
	RunTurn(ctx context.Context, agentID, sessionKey, prompt string) (result string, err error)
}

// Emitter is the narrow event-bus dependency this package needs.
type Emitter interface {
	Emit(eventType string, data any) models.Event
}

// Config controls persistence and garbage collection.
type Config struct {
	// PersistPath is where the registry's run table is stored as JSON. If
	// empty, runs are kept in memory only.
	PersistPath string

	// DefaultTimeout is used when Spawn is called with timeoutSeconds <= 0.
	DefaultTimeout time.Duration

	// ArchiveAfter is how long a completed run is kept before being swept.
	// Zero or negative uses one hour.
	ArchiveAfter time.Duration

	// SweepInterval is how often the archival sweep runs. Zero or negative
	// uses 60 seconds.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	return c
}

// Registry dispatches and tracks sub-agent runs.
type Registry struct {
	cfg      Config
	executor Executor
	bus      Emitter
	audit    *audit.Logger

	mu   sync.Mutex
	runs map[string]*Run

	sweeper  *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Registry and restores any persisted runs from disk.
// auditLogger may be nil, in which case spawns are not audit-logged.
func New(cfg Config, executor Executor, bus Emitter, auditLogger *audit.Logger) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:      cfg,
		executor: executor,
		bus:      bus,
		audit:    auditLogger,
		runs:     make(map[string]*Run),
		stopCh:   make(chan struct{}),
	}
	r.restore()

	if cfg.SweepInterval > 0 {
		r.sweeper = time.NewTicker(cfg.SweepInterval)
		go r.sweepLoop()
	}
	return r
}

// Spawn registers a new run and dispatches its execution asynchronously;
// it returns as soon as the run is persisted, before the child does any
// work.
func (r *Registry) Spawn(requesterSessionKey, agentID, task, label string, timeoutSeconds int, cleanup string) (*Run, error) {
	if agentID == "" {
		return nil, errors.New("subagent: agent_id is required")
	}
	if task == "" {
		return nil, errors.New("subagent: task is required")
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(r.cfg.DefaultTimeout.Seconds())
	}
	if cleanup == "" {
		cleanup = "keep"
	}

	runID := uuid.NewString()[:8]
	run := &Run{
		RunID:               runID,
		ChildSessionKey:     fmt.Sprintf("subagent:%s:%s", agentID, runID),
		RequesterSessionKey: requesterSessionKey,
		AgentID:             agentID,
		Task:                task,
		Label:               label,
		Cleanup:             cleanup,
		TimeoutSeconds:      timeoutSeconds,
		CreatedAt:           time.Now(),
	}

	r.mu.Lock()
	r.runs[runID] = run
	r.persistLocked()
	r.mu.Unlock()

	if r.audit != nil {
		r.audit.LogAgentHandoff(context.Background(), requesterSessionKey, agentID, "subagent_spawn", "isolated", 0, run.ChildSessionKey)
	}

	r.bus.Emit(models.EventSubagentSpawned, map[string]any{
		"agent_id": agentID,
		"run_id":   runID,
		"task":     truncate(task, 200),
		"requester": requesterSessionKey,
	})

	go r.execute(run)

	return r.Get(runID), nil
}

func (r *Registry) execute(run *Run) {
	r.mu.Lock()
	run.StartedAt = time.Now()
	r.persistLocked()
	r.mu.Unlock()

	toolNames, err := r.executor.EnsureRunning(context.Background(), run.AgentID)
	if err != nil {
		r.finish(run, OutcomeFailed, "", err)
		return
	}

	prompt := buildEnrichedPrompt(run.Task, toolNames)
	timeout := time.Duration(run.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.executor.RunTurn(ctx, run.AgentID, run.ChildSessionKey, prompt)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		r.finish(run, OutcomeTimeout, "", errors.New("subagent exceeded timeout"))
	case out := <-done:
		if out.err != nil {
			r.finish(run, OutcomeFailed, "", out.err)
			return
		}
		r.finish(run, OutcomeCompleted, out.result, nil)
	}
}

func (r *Registry) finish(run *Run, outcome Outcome, result string, err error) {
	r.mu.Lock()
	run.EndedAt = time.Now()
	run.Outcome = outcome
	run.Result = result
	if err != nil {
		run.Error = err.Error()
	}
	r.persistLocked()
	r.mu.Unlock()

	r.bus.Emit(models.EventSubagentCompleted, map[string]any{
		"agent_id":         run.AgentID,
		"run_id":           run.RunID,
		"session_key":      run.ChildSessionKey,
		"success":          outcome == OutcomeCompleted,
		"response_preview": truncate(result, 300),
	})
}

func buildEnrichedPrompt(task string, toolNames []string) string {
	toolsText := "All standard tools available."
	if len(toolNames) > 0 {
		lines := make([]string, len(toolNames))
		for i, name := range toolNames {
			lines[i] = "- " + name
		}
		toolsText = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(`## Sub-Agent Task Assignment

You have been spawned as a sub-agent to handle a specific task.

### Your Task
%s

### Tools Available to You
%s

### Report Format
When done, provide:
- **Findings**: What you discovered
- **Actions Taken**: What tools you used and results
- **Recommendations**: Next steps if any
- **Summary**: One-paragraph synopsis`, task, toolsText)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Get returns a copy of a run's current state, or nil if runID is unknown.
func (r *Registry) Get(runID string) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	run := r.runs[runID]
	if run == nil {
		return nil
	}
	copied := *run
	return &copied
}

// ListForRequester returns all runs dispatched by requesterSessionKey.
func (r *Registry) ListForRequester(requesterSessionKey string) []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Run
	for _, run := range r.runs {
		if run.RequesterSessionKey == requesterSessionKey {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out
}

// ListActive returns all runs that have not yet reached a terminal outcome.
func (r *Registry) ListActive() []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Run
	for _, run := range r.runs {
		if !run.IsComplete() {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out
}

// Stop halts the archival sweeper. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.sweeper != nil {
			r.sweeper.Stop()
		}
	})
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.sweeper.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.ArchiveAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.ArchiveAfter)
	mutated := false
	for runID, run := range r.runs {
		if run.IsComplete() && run.EndedAt.Before(cutoff) {
			delete(r.runs, runID)
			mutated = true
		}
	}
	if mutated {
		r.persistLocked()
	}
}

func (r *Registry) persistLocked() {
	if r.cfg.PersistPath == "" {
		return
	}
	data, err := json.MarshalIndent(r.runs, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(r.cfg.PersistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp := r.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.cfg.PersistPath)
}

func (r *Registry) restore() {
	if r.cfg.PersistPath == "" {
		return
	}
	data, err := os.ReadFile(r.cfg.PersistPath)
	if err != nil {
		return
	}
	var runs map[string]*Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return
	}
	for runID, run := range runs {
		r.runs[runID] = run
	}
}
