// Package manager implements the AgentManager (C10): the top-level facade
// that provisions workspaces, starts and stops running agents, and wires
// each agent's HotState, Sensors, and AutonomyLoop to the shared stores and
// tool registry (§4.9).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/llama-farm/openhoof/internal/agents/heartbeat"
	"github.com/llama-farm/openhoof/internal/audit"
	"github.com/llama-farm/openhoof/internal/autonomy"
	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/hotstate"
	"github.com/llama-farm/openhoof/internal/llm"
	"github.com/llama-farm/openhoof/internal/observability"
	"github.com/llama-farm/openhoof/internal/sensors"
	"github.com/llama-farm/openhoof/internal/sessions"
	"github.com/llama-farm/openhoof/internal/subagent"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/internal/turn"
	"github.com/llama-farm/openhoof/pkg/models"
)

// Emitter is the narrow event-bus dependency this package needs.
type Emitter interface {
	Emit(eventType string, data any) models.Event
}

// Deps are the shared collaborators every agent handle is built against.
type Deps struct {
	AgentsDir       string
	Sessions        *sessions.Store
	Transcripts     *sessions.TranscriptStore
	Tools           *tools.Registry
	LLM             llm.Client
	Bus             Emitter
	CompactionModel string
	SubagentRuns    subagent.Config
	Logger          *slog.Logger

	// Metrics, if set, records per-call LLM and tool-execution timings for
	// every turn this Manager runs.
	Metrics *observability.Metrics

	// Audit, if set, receives a record of every agent start and stop.
	Audit *audit.Logger
}

// handle is the live runtime state for one started agent (§4.9's
// AgentHandle). Owned exclusively by the Manager; lifetime runs from
// start_agent to stop_agent.
type handle struct {
	agentID   string
	cfg       config.AgentConfig
	workspace string

	hotState *hotstate.Store
	autonomy *autonomy.Loop

	sensorCancels []context.CancelFunc
	sensorsWG     sync.WaitGroup
}

// Manager is the agent manager (C10).
type Manager struct {
	deps   Deps
	logger *slog.Logger

	heartbeats       *heartbeat.Runner
	heartbeatMonitor *heartbeat.Monitor
	subagents        *subagent.Registry

	mu      sync.Mutex
	handles map[string]*handle
}

// New constructs a Manager. It does not start anything; call Bootstrap to
// copy any missing default workspaces and StartAgent to bring one up.
func New(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:    deps,
		logger:  deps.Logger,
		handles: make(map[string]*handle),
	}
	m.heartbeatMonitor = heartbeat.NewMonitor(heartbeat.DefaultConfig())
	m.heartbeats = heartbeat.NewRunner(
		heartbeat.DefaultRunnerConfig(),
		heartbeat.WithOnRun(m.runHeartbeat),
	)
	m.heartbeats.Start()
	m.subagents = subagent.New(deps.SubagentRuns, subagentExecutor{m: m}, deps.Bus, deps.Audit)
	return m
}

// Close stops the Manager's own background tasks (the shared heartbeat
// runner and the sub-agent sweeper) without stopping any still-running
// agents. Call StopAgent for each running agent first if a clean shutdown
// of agent state is also wanted.
func (m *Manager) Close() {
	m.heartbeats.Stop()
	m.subagents.Stop()
}

// Bootstrap copies any built-in default agent workspaces that don't already
// exist on disk. Idempotent.
func (m *Manager) Bootstrap(defaultsDir string) error {
	if defaultsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(defaultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read default workspaces: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dst := filepath.Join(m.deps.AgentsDir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyDir(filepath.Join(defaultsDir, e.Name()), dst); err != nil {
			return fmt.Errorf("bootstrap agent %q: %w", e.Name(), err)
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// StartAgent brings an agent up: loads its workspace + config, builds
// HotState, sensors, and (if enabled) the autonomy loop, and emits
// agent:started. Idempotent — a second call on an already-running agent is
// a no-op.
func (m *Manager) StartAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	if _, running := m.handles[agentID]; running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !models.IsValidAgentID(agentID) {
		return fmt.Errorf("%w: invalid agent id %q", config.ErrMalformed, agentID)
	}

	ws := filepath.Join(m.deps.AgentsDir, agentID)
	if !config.Exists(ws) {
		return fmt.Errorf("%w: no agent.yaml for %q", config.ErrMalformed, agentID)
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	cfg = config.ApplyDefaults(cfg)

	if _, err := m.deps.Sessions.GetOrCreate(mainSessionKey(agentID), agentID); err != nil {
		return fmt.Errorf("create main session: %w", err)
	}

	h := &handle{agentID: agentID, cfg: cfg, workspace: ws}
	h.hotState = hotstate.New(cfg.HotState.Fields, m.logger.With("agent_id", agentID, "component", "hotstate"))

	for _, sc := range cfg.Sensors {
		sensor, err := sensors.New(sc, sensors.Deps{
			AgentID:  agentID,
			Tools:    m.deps.Tools,
			HotState: h.hotState,
			Bus:      m.deps.Bus,
			LLM:      m.deps.LLM,
			Logger:   m.logger.With("agent_id", agentID, "sensor", sc.Name),
		})
		if err != nil {
			m.logger.Error("skipping malformed sensor", "agent_id", agentID, "sensor", sc.Name, "error", err)
			continue
		}
		sensorCtx, cancel := context.WithCancel(context.Background())
		h.sensorCancels = append(h.sensorCancels, cancel)
		h.sensorsWG.Add(1)
		go func() {
			defer h.sensorsWG.Done()
			sensor.Run(sensorCtx)
		}()
	}

	if cfg.Autonomy.Enabled {
		h.autonomy = autonomy.New(cfg.Autonomy, autonomy.Deps{
			AgentID:       agentID,
			SessionKey:    autonomySessionKey(agentID),
			Workspace:     ws,
			AgentsDir:     m.deps.AgentsDir,
			Model:         cfg.Model,
			ToolNames:     cfg.Tools,
			ContextTokens: cfg.ContextTokens,
			HotState:      h.hotState,
			Turns:         turnRunner{m: m, agentID: agentID},
			Tools:         m.deps.Tools,
			LLM:           m.deps.LLM,
			Bus:           m.deps.Bus,
			Logger:        m.logger.With("agent_id", agentID, "component", "autonomy"),
		})
		h.autonomy.Start(context.Background())
	}

	if cfg.Heartbeat.Enabled {
		interval := cfg.Heartbeat.Interval
		if interval <= 0 {
			interval = 1800
		}
		rc := heartbeat.DefaultRunnerConfig()
		rc.Enabled = true
		rc.IntervalMs = int64(interval) * 1000
		m.heartbeats.RegisterAgent(agentID, rc)
	}

	m.mu.Lock()
	m.handles[agentID] = h
	m.mu.Unlock()

	if m.deps.Bus != nil {
		m.deps.Bus.Emit(models.EventAgentStarted, map[string]any{"agent_id": agentID})
	}
	if m.deps.Audit != nil {
		m.deps.Audit.LogAgentAction(ctx, agentID, "started", "agent started", nil, mainSessionKey(agentID))
	}
	return nil
}

// StopAgent tears an agent down: cancels its autonomy loop (which stops
// issuing turns), cancels its sensors, unregisters its heartbeat, and emits
// agent:stopped. Idempotent — stopping an agent that isn't running reports
// no error.
func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	h, ok := m.handles[agentID]
	if ok {
		delete(m.handles, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if h.autonomy != nil {
		h.autonomy.Stop()
	}
	for _, cancel := range h.sensorCancels {
		cancel()
	}
	h.sensorsWG.Wait()
	m.heartbeats.UnregisterAgent(agentID)
	m.heartbeatMonitor.Remove(agentID)

	if m.deps.Bus != nil {
		m.deps.Bus.Emit(models.EventAgentStopped, map[string]any{"agent_id": agentID})
	}
	if m.deps.Audit != nil {
		m.deps.Audit.LogAgentAction(ctx, agentID, "stopped", "agent stopped", nil, mainSessionKey(agentID))
	}
	return nil
}

// IsRunning reports whether agentID currently has a live handle. Satisfies
// builtin.AgentLifecycle.
func (m *Manager) IsRunning(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[agentID]
	return ok
}

// RunningAgentIDs lists every currently-started agent. Satisfies
// builtin.RunningAgents.
func (m *Manager) RunningAgentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// Chat auto-starts agentID if needed and runs one turn for it against
// sessionKey (defaulting to its main session), returning the turn's final
// text.
func (m *Manager) Chat(ctx context.Context, agentID, sessionKey, message string) (turn.Result, error) {
	if sessionKey == "" {
		sessionKey = mainSessionKey(agentID)
	}
	if !m.IsRunning(agentID) {
		if err := m.StartAgent(ctx, agentID); err != nil {
			return turn.Result{}, err
		}
	}
	cfg, toolNames, ws := m.agentTurnInputs(agentID)
	return turn.Run(ctx, m.turnDeps(), turn.Request{
		AgentID: agentID, SessionKey: sessionKey, Workspace: ws, AgentsDir: m.deps.AgentsDir,
		Model: cfg.Model, ToolNames: toolNames, UserMessage: message,
		EnableThinking: cfg.Thinking, MaxTokens: 0, ContextTokens: cfg.ContextTokens,
	})
}

// Spawn dispatches a background sub-agent run. Satisfies
// builtin.SpawnFunc.
func (m *Manager) Spawn(ctx context.Context, requesterSessionKey, agentID, task, label string, timeoutSeconds int) (string, error) {
	run, err := m.subagents.Spawn(requesterSessionKey, agentID, task, label, timeoutSeconds, "keep")
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

func (m *Manager) agentTurnInputs(agentID string) (config.AgentConfig, []string, string) {
	m.mu.Lock()
	h, ok := m.handles[agentID]
	m.mu.Unlock()
	if ok {
		return h.cfg, h.cfg.Tools, h.workspace
	}
	ws := filepath.Join(m.deps.AgentsDir, agentID)
	cfg, _ := config.Load(ws)
	return cfg, cfg.Tools, ws
}

func (m *Manager) turnDeps() turn.Deps {
	return turn.Deps{
		Sessions: m.deps.Sessions, Transcripts: m.deps.Transcripts, Tools: m.deps.Tools,
		LLM: m.deps.LLM, Bus: turnEmitter{m.deps.Bus}, CompactionModel: m.deps.CompactionModel,
		Metrics: m.deps.Metrics, Audit: m.deps.Audit,
	}
}

// runHeartbeat is the callback invoked by the shared heartbeat.Runner for
// every registered agent that comes due. It runs a single turn seeded with
// the agent's workspace HEARTBEAT.md prompt, or a default check-in message
// if none is present.
func (m *Manager) runHeartbeat(ctx context.Context, agentID string, rc *heartbeat.RunnerConfig) (*heartbeat.RunResult, error) {
	start := time.Now()
	cfg, toolNames, ws := m.agentTurnInputs(agentID)
	prompt := rc.Prompt
	if prompt == "" {
		if data, err := os.ReadFile(filepath.Join(ws, "HEARTBEAT.md")); err == nil && strings.TrimSpace(string(data)) != "" {
			prompt = string(data)
		}
	}
	prompt = heartbeat.ResolvePrompt(prompt)

	result, err := turn.Run(ctx, m.turnDeps(), turn.Request{
		AgentID: agentID, SessionKey: heartbeatSessionKey(agentID), Workspace: ws, AgentsDir: m.deps.AgentsDir,
		Model: cfg.Model, ToolNames: toolNames, UserMessage: prompt, ContextTokens: cfg.ContextTokens,
	})
	if err != nil {
		m.heartbeatMonitor.MarkMissed(agentID)
		return &heartbeat.RunResult{Status: heartbeat.RunStatusFailed, Reason: err.Error(), DurationMs: time.Since(start).Milliseconds()}, nil
	}

	m.heartbeatMonitor.Record(agentID, result.FinalText)
	stripped := heartbeat.StripToken(result.FinalText, heartbeat.DefaultMaxAckChars)
	if stripped.ShouldSkip {
		return &heartbeat.RunResult{Status: heartbeat.RunStatusSkipped, DurationMs: time.Since(start).Milliseconds()}, nil
	}
	return &heartbeat.RunResult{
		Status: heartbeat.RunStatusRan, Preview: truncate(stripped.Text, 200), DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// HeartbeatStatus returns the liveness status the heartbeat monitor has
// recorded for agentID, or nil if the agent has never heartbeat-ed.
func (m *Manager) HeartbeatStatus(agentID string) *heartbeat.Status {
	return m.heartbeatMonitor.GetStatus(agentID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func mainSessionKey(agentID string) string      { return fmt.Sprintf("agent:%s:main", agentID) }
func autonomySessionKey(agentID string) string  { return fmt.Sprintf("agent:%s:autonomy", agentID) }
func heartbeatSessionKey(agentID string) string { return fmt.Sprintf("agent:%s:heartbeat", agentID) }

// turnEmitter adapts Deps.Bus to turn.Emitter, which is declared separately
// per §9's narrow-injected-callback rule.
type turnEmitter struct{ bus Emitter }

func (e turnEmitter) Emit(eventType string, data any) models.Event {
	if e.bus == nil {
		return models.Event{}
	}
	return e.bus.Emit(eventType, data)
}

// turnRunner adapts Manager to autonomy.TurnRunner for one agent.
type turnRunner struct {
	m       *Manager
	agentID string
}

func (r turnRunner) RunTurn(ctx context.Context, req turn.Request) (turn.Result, error) {
	return turn.Run(ctx, r.m.turnDeps(), req)
}

// subagentExecutor adapts Manager to subagent.Executor.
type subagentExecutor struct{ m *Manager }

func (e subagentExecutor) EnsureRunning(ctx context.Context, agentID string) ([]string, error) {
	if !e.m.IsRunning(agentID) {
		if err := e.m.StartAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}
	_, toolNames, _ := e.m.agentTurnInputs(agentID)
	if len(toolNames) == 0 {
		toolNames = e.m.deps.Tools.List()
	}
	return toolNames, nil
}

func (e subagentExecutor) RunTurn(ctx context.Context, agentID, sessionKey, prompt string) (string, error) {
	cfg, toolNames, ws := e.m.agentTurnInputs(agentID)
	result, err := turn.Run(ctx, e.m.turnDeps(), turn.Request{
		AgentID: agentID, SessionKey: sessionKey, Workspace: ws, AgentsDir: e.m.deps.AgentsDir,
		Model: cfg.Model, ToolNames: toolNames, UserMessage: prompt, Autonomous: true, ContextTokens: cfg.ContextTokens,
	})
	if err != nil {
		return "", err
	}
	return result.FinalText, nil
}
