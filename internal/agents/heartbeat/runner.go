package heartbeat

import (
	"context"
	"sync"
	"time"
)

// RunResult is the outcome of one scheduled heartbeat turn.
type RunResult struct {
	Status     RunStatus     `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Preview    string        `json:"preview,omitempty"`
	Indicator  IndicatorType `json:"indicator,omitempty"`
}

// RunStatus describes how a scheduled heartbeat turn resolved.
type RunStatus string

const (
	RunStatusRan     RunStatus = "ran"
	RunStatusSkipped RunStatus = "skipped"
	RunStatusFailed  RunStatus = "failed"
)

// IndicatorType is a short label for event consumers that don't want to
// parse RunStatus and Reason themselves.
type IndicatorType string

const (
	IndicatorOkEmpty IndicatorType = "ok-empty"
	IndicatorOkToken IndicatorType = "ok-token"
	IndicatorSent    IndicatorType = "sent"
	IndicatorFailed  IndicatorType = "failed"
)

// Visibility controls which heartbeat outcomes get turned into a
// HeartbeatEvent.
type Visibility struct {
	// ShowOk emits an event even for a bare HEARTBEAT_OK acknowledgment.
	ShowOk bool `json:"show_ok" yaml:"show_ok"`
	// ShowAlerts emits an event for turns that produced real output.
	ShowAlerts bool `json:"show_alerts" yaml:"show_alerts"`
	// UseIndicator includes the resolved IndicatorType on the event.
	UseIndicator bool `json:"use_indicator" yaml:"use_indicator"`
}

// DefaultVisibility suppresses routine acknowledgments but surfaces
// anything the agent actually flagged.
func DefaultVisibility() Visibility {
	return Visibility{
		ShowOk:       false,
		ShowAlerts:   true,
		UseIndicator: true,
	}
}

// RunnerConfig is the per-agent (or runner-wide default) heartbeat
// schedule.
type RunnerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// IntervalMs is the time between heartbeat turns.
	IntervalMs int64 `json:"interval_ms" yaml:"interval_ms"`

	// ActiveHours restricts which hours of the day heartbeat turns run in.
	ActiveHours *ActiveHoursConfig `json:"active_hours" yaml:"active_hours"`

	Visibility *Visibility `json:"visibility" yaml:"visibility"`

	// Prompt overrides the agent's HEARTBEAT.md / DefaultPrompt.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Model overrides the agent's configured model for heartbeat turns.
	Model string `json:"model" yaml:"model"`

	// AckMaxChars overrides DefaultMaxAckChars for this agent.
	AckMaxChars int `json:"ack_max_chars" yaml:"ack_max_chars"`
}

// DefaultRunnerConfig is what an agent gets when its own config doesn't
// set a heartbeat schedule.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Enabled:     false,
		IntervalMs:  5 * 60 * 1000,
		ActiveHours: DefaultActiveHoursConfig(),
		Visibility:  &Visibility{ShowOk: false, ShowAlerts: true, UseIndicator: true},
		AckMaxChars: 200,
	}
}

// AgentHeartbeatState is one registered agent's schedule position.
type AgentHeartbeatState struct {
	AgentID    string
	Config     *RunnerConfig
	IntervalMs int64
	LastRunMs  int64
	NextDueMs  int64
}

// Runner schedules and fires heartbeat turns for every registered agent on
// a single shared timer, deferring the actual turn execution to onRun.
type Runner struct {
	mu           sync.RWMutex
	agents       map[string]*AgentHeartbeatState
	timer        *time.Timer
	stopped      bool
	config       *RunnerConfig
	userTimezone string

	onRun   func(ctx context.Context, agentID string, config *RunnerConfig) (*RunResult, error)
	onEvent func(event *HeartbeatEvent)
}

// HeartbeatEvent reports one heartbeat outcome. Turn outcomes are filtered
// through the agent's Visibility settings; a quiet-hours skip is always
// reported.
type HeartbeatEvent struct {
	Status     RunStatus     `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	AgentID    string        `json:"agent_id,omitempty"`
	Preview    string        `json:"preview,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Indicator  IndicatorType `json:"indicator,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// RunnerOption configures a Runner at construction time.
type RunnerOption func(*Runner)

// WithOnRun sets the callback invoked to actually run a due agent's
// heartbeat turn.
func WithOnRun(fn func(ctx context.Context, agentID string, config *RunnerConfig) (*RunResult, error)) RunnerOption {
	return func(r *Runner) {
		r.onRun = fn
	}
}

// WithOnEvent sets the callback notified of every heartbeat outcome that
// passes its agent's Visibility filter.
func WithOnEvent(fn func(event *HeartbeatEvent)) RunnerOption {
	return func(r *Runner) {
		r.onEvent = fn
	}
}

// WithUserTimezone sets the timezone an ActiveHoursConfig of "user" resolves
// to, for agents that don't pin an explicit IANA zone.
func WithUserTimezone(tz string) RunnerOption {
	return func(r *Runner) {
		r.userTimezone = tz
	}
}

// NewRunner builds a Runner. A nil config falls back to
// DefaultRunnerConfig for any agent registered without its own.
func NewRunner(config *RunnerConfig, opts ...RunnerOption) *Runner {
	if config == nil {
		config = DefaultRunnerConfig()
	}

	r := &Runner{
		agents: make(map[string]*AgentHeartbeatState),
		config: config,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegisterAgent adds or reschedules agentID. A nil config falls back to
// the runner's default. Re-registering an agent that already has a
// pending due time preserves it rather than resetting the clock.
func (r *Runner) RegisterAgent(agentID string, config *RunnerConfig) {
	if config == nil {
		config = r.config
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	now := time.Now().UnixMilli()
	intervalMs := config.IntervalMs
	if intervalMs <= 0 {
		intervalMs = r.config.IntervalMs
	}

	prev := r.agents[agentID]
	var nextDue int64
	if prev != nil && prev.LastRunMs > 0 {
		nextDue = prev.LastRunMs + intervalMs
	} else if prev != nil && prev.NextDueMs > now {
		nextDue = prev.NextDueMs
	} else {
		nextDue = now + intervalMs
	}

	r.agents[agentID] = &AgentHeartbeatState{
		AgentID:    agentID,
		Config:     config,
		IntervalMs: intervalMs,
		LastRunMs:  0,
		NextDueMs:  nextDue,
	}

	r.scheduleNextLocked()
}

// UnregisterAgent drops agentID from the schedule, e.g. when the agent is
// stopped or deleted.
func (r *Runner) UnregisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, agentID)
	r.scheduleNextLocked()
}

// Start arms the timer for whichever registered agent is due soonest.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	r.scheduleNextLocked()
}

// Stop halts the timer permanently; the Runner can't be restarted after
// this.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// scheduleNextLocked arms a single timer for the earliest NextDueMs across
// all enabled agents. Must be called with r.mu held.
func (r *Runner) scheduleNextLocked() {
	if r.stopped || len(r.agents) == 0 {
		return
	}

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	now := time.Now().UnixMilli()
	var nextDue int64 = -1

	for _, agent := range r.agents {
		if !agent.Config.Enabled {
			continue
		}
		if nextDue < 0 || agent.NextDueMs < nextDue {
			nextDue = agent.NextDueMs
		}
	}

	if nextDue < 0 {
		return
	}

	delay := nextDue - now
	if delay < 0 {
		delay = 0
	}

	r.timer = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		_, _ = r.runNow(context.Background(), "interval")
	})
}

// runNow fires every agent that's due, honoring each one's active-hours
// window, and re-arms the timer for whatever's due next.
func (r *Runner) runNow(ctx context.Context, reason string) (*RunResult, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return &RunResult{Status: RunStatusSkipped, Reason: "stopped"}, nil
	}

	now := time.Now().UnixMilli()
	isInterval := reason == "interval"

	var toRun []*AgentHeartbeatState
	for _, agent := range r.agents {
		if !agent.Config.Enabled {
			continue
		}
		if isInterval && now < agent.NextDueMs {
			continue
		}
		toRun = append(toRun, agent)
	}
	r.mu.Unlock()

	if len(toRun) == 0 {
		r.mu.Lock()
		r.scheduleNextLocked()
		r.mu.Unlock()
		return &RunResult{Status: RunStatusSkipped, Reason: "not-due"}, nil
	}

	startedAt := time.Now()
	var lastResult *RunResult

	for _, agent := range toRun {
		if agent.Config.ActiveHours != nil && agent.Config.ActiveHours.Enabled {
			active, err := agent.Config.ActiveHours.IsActiveNow(r.userTimezone)
			if err != nil || !active {
				r.emitEvent(&HeartbeatEvent{
					Status:    RunStatusSkipped,
					Reason:    "quiet-hours",
					AgentID:   agent.AgentID,
					Timestamp: time.Now(),
				})
				continue
			}
		}

		var result *RunResult
		if r.onRun != nil {
			var err error
			result, err = r.onRun(ctx, agent.AgentID, agent.Config)
			if err != nil {
				result = &RunResult{
					Status: RunStatusFailed,
					Reason: err.Error(),
				}
			}
		} else {
			result = &RunResult{
				Status: RunStatusSkipped,
				Reason: "no-handler",
			}
		}

		r.mu.Lock()
		if state, ok := r.agents[agent.AgentID]; ok {
			state.LastRunMs = now
			state.NextDueMs = now + state.IntervalMs
		}
		r.mu.Unlock()

		indicator := resolveIndicator(result.Status, result.Reason)
		visibility := agent.Config.Visibility
		if visibility == nil {
			visibility = &Visibility{ShowOk: false, ShowAlerts: true, UseIndicator: true}
		}

		isAck := result.Status == RunStatusSkipped || indicator == IndicatorOkEmpty || indicator == IndicatorOkToken
		if result.Status == RunStatusFailed || (isAck && visibility.ShowOk) || (!isAck && visibility.ShowAlerts) {
			event := &HeartbeatEvent{
				Status:     result.Status,
				Reason:     result.Reason,
				AgentID:    agent.AgentID,
				Preview:    result.Preview,
				DurationMs: result.DurationMs,
				Timestamp:  time.Now(),
			}
			if visibility.UseIndicator {
				event.Indicator = indicator
			}
			r.emitEvent(event)
		}

		lastResult = result
	}

	r.mu.Lock()
	r.scheduleNextLocked()
	r.mu.Unlock()

	if lastResult == nil {
		return &RunResult{
			Status:     RunStatusRan,
			DurationMs: time.Since(startedAt).Milliseconds(),
		}, nil
	}

	lastResult.DurationMs = time.Since(startedAt).Milliseconds()
	return lastResult, nil
}

// emitEvent notifies the onEvent callback, if one was set via WithOnEvent.
func (r *Runner) emitEvent(event *HeartbeatEvent) {
	if r.onEvent != nil {
		r.onEvent(event)
	}
}

// resolveIndicator maps a run outcome to the short label external
// consumers key off of instead of parsing Status/Reason themselves.
func resolveIndicator(status RunStatus, reason string) IndicatorType {
	switch status {
	case RunStatusFailed:
		return IndicatorFailed
	case RunStatusRan:
		switch reason {
		case "ok-empty":
			return IndicatorOkEmpty
		case "ok-token":
			return IndicatorOkToken
		default:
			return IndicatorSent
		}
	default:
		return ""
	}
}
