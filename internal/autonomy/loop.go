// Package autonomy implements the AutonomyLoop (C9): the per-agent
// scheduler that drives unattended turns — active-hours and budget gates,
// a pre-check that lets the agent skip a turn when nothing material
// changed, auto-refresh of stale hot-state fields, and enactment of the
// agent's own pacing directive (sleep/continue/shutdown) via the `yield`
// tool.
package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/hotstate"
	"github.com/llama-farm/openhoof/internal/llm"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/internal/turn"
	"github.com/llama-farm/openhoof/pkg/models"
)

// forcedGuardrailSleep is how long the loop pauses after tripping the
// max-consecutive-turns guardrail.
const forcedGuardrailSleep = 60 * time.Second

// precheckSkipSleep is the soft sleep taken when the pre-check gate finds
// nothing worth waking the agent for.
const precheckSkipSleep = 10 * time.Second

// errorBackoff is how long the loop pauses after an unexpected error from
// a turn, so a persistent failure doesn't spin hot.
const errorBackoff = 5 * time.Second

// Emitter is the narrow event-bus dependency this package needs.
type Emitter interface {
	Emit(eventType string, data any) models.Event
}

// TurnRunner executes one AgentTurn. Narrowed to a single method so this
// package depends on a seam, not a concrete turn.Deps wiring (§9's
// avoid-back-references rule); the AgentManager supplies the adapter that
// closes over the real turn.Deps.
type TurnRunner interface {
	RunTurn(ctx context.Context, req turn.Request) (turn.Result, error)
}

// Deps are the collaborators one agent's autonomy loop runs against.
type Deps struct {
	AgentID    string
	SessionKey string // defaults to "agent:<AgentID>:autonomy"
	Workspace  string
	AgentsDir  string
	Model      string
	ToolNames  []string
	// ContextTokens overrides the context window assumed for Model when it
	// isn't in agents.KnownModelContextWindows.
	ContextTokens int

	HotState *hotstate.Store
	Turns    TurnRunner
	Tools    *tools.Registry // used only for auto-refresh tool calls (step 5)
	LLM      llm.Client      // pre-check model calls
	Bus      Emitter
	Logger   *slog.Logger
}

// Loop is one running (or stopped) AutonomyLoop instance.
type Loop struct {
	deps Deps
	cfg  config.AutonomyConfig

	cancel context.CancelFunc
	done   chan struct{}

	mu               sync.Mutex
	turnCount        int
	consecutiveTurns int
	tokensThisHour   int64
	hourStart        time.Time
	lastMeaningfulAt time.Time
	lastSnapshot     time.Time
	actionTimestamps []time.Time
}

// New constructs a Loop bound to cfg and deps. The loop does not start
// running until Start is called.
func New(cfg config.AutonomyConfig, deps Deps) *Loop {
	if deps.SessionKey == "" {
		deps.SessionKey = fmt.Sprintf("agent:%s:autonomy", deps.AgentID)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConsecutiveTurns <= 0 {
		cfg.MaxConsecutiveTurns = config.AutonomyDefaults.MaxConsecutiveTurns
	}
	if cfg.TokenBudgetPerHour <= 0 {
		cfg.TokenBudgetPerHour = config.AutonomyDefaults.TokenBudgetPerHour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.AutonomyDefaults.IdleTimeout
	}
	now := time.Now()
	return &Loop{
		deps:             deps,
		cfg:              cfg,
		hourStart:        now,
		lastMeaningfulAt: now,
		lastSnapshot:     now,
	}
}

// Start runs the loop in its own goroutine. Calling Start twice on an
// already-running Loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(runCtx)
}

// Stop cancels the loop. Idempotent; safe to call on a Loop that was never
// started or already stopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		if ctx.Err() != nil {
			return
		}

		if !l.withinActiveHours() {
			l.emitGuardrail("active_hours", nil)
			if !sleepCtx(ctx, 300*time.Second) {
				return
			}
			continue
		}

		l.maybeResetHour()
		if l.tokensThisHourSnapshot() >= int64(l.cfg.TokenBudgetPerHour) {
			wait := l.secondsUntilNextHour()
			l.emitGuardrail("token_budget", map[string]any{
				"tokens_used": l.tokensThisHourSnapshot(), "budget": l.cfg.TokenBudgetPerHour,
			})
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		idle := time.Since(l.lastMeaningfulActionSnapshot())
		if idle > time.Duration(l.cfg.IdleTimeout)*time.Second {
			l.emitGuardrail("idle_timeout", map[string]any{"idle_seconds": int(idle.Seconds())})
			return
		}

		directive, err := l.runTurn(ctx)
		if err != nil {
			l.deps.Logger.Error("autonomy turn failed", "agent_id", l.deps.AgentID, "error", err)
			if !sleepCtx(ctx, errorBackoff) {
				return
			}
			continue
		}

		switch directive.Mode {
		case "shutdown":
			return
		case "sleep":
			l.mu.Lock()
			l.consecutiveTurns = 0
			l.mu.Unlock()
			if !l.sleepWithWakeEarly(ctx, time.Duration(directive.Sleep)*time.Second, directive.WakeEarlyIf) {
				return
			}
		default: // continue
			l.mu.Lock()
			l.consecutiveTurns++
			tripped := l.consecutiveTurns >= l.cfg.MaxConsecutiveTurns
			if tripped {
				l.consecutiveTurns = 0
			}
			l.mu.Unlock()
			if tripped {
				l.emitGuardrail("max_consecutive_turns", map[string]any{"limit": l.cfg.MaxConsecutiveTurns})
				if !sleepCtx(ctx, forcedGuardrailSleep) {
					return
				}
				continue
			}
			if l.cfg.MaxActionsPerMinute > 0 && l.ActionsThisMinute() >= l.cfg.MaxActionsPerMinute {
				l.emitGuardrail("max_actions_per_minute", map[string]any{"limit": l.cfg.MaxActionsPerMinute})
				if !sleepCtx(ctx, forcedGuardrailSleep) {
					return
				}
			}
		}
	}
}

// yieldDirective is the parsed pacing instruction produced by one turn.
type yieldDirective struct {
	Mode        string
	Sleep       int
	Reason      string
	WakeEarlyIf []string
}

func (l *Loop) runTurn(ctx context.Context) (yieldDirective, error) {
	l.mu.Lock()
	l.turnCount++
	turnNum := l.turnCount
	l.mu.Unlock()

	hasNotifications := l.deps.HotState.HasNotifications()

	if !hasNotifications && l.cfg.PreCheckModel != "" {
		diff := l.deps.HotState.DiffSince(l.lastSnapshotTime())
		if len(diff) == 0 {
			l.deps.Bus.Emit(models.EventAutonomyPrecheckSkip, map[string]any{
				"agent_id": l.deps.AgentID, "turn": turnNum, "reason": "no_changes",
			})
			return yieldDirective{Mode: "sleep", Sleep: int(precheckSkipSleep.Seconds()), Reason: "pre-check: no changes"}, nil
		}
		material, err := l.runPrecheck(ctx, diff)
		if err == nil && !material {
			l.deps.Bus.Emit(models.EventAutonomyPrecheckSkip, map[string]any{
				"agent_id": l.deps.AgentID, "turn": turnNum, "reason": "no_material_changes",
			})
			return yieldDirective{Mode: "sleep", Sleep: int(precheckSkipSleep.Seconds()), Reason: "pre-check: no material changes"}, nil
		}
		// err != nil fails open: fall through to the turn regardless.
	}

	l.autoRefreshStaleFields(ctx)

	notifications := l.deps.HotState.PopNotifications()
	message := buildContextMessage(turnNum, notifications, l.deps.HotState.Render())

	l.setLastSnapshot(l.deps.HotState.SnapshotTime())

	l.deps.Bus.Emit(models.EventAutonomyTurnStarted, map[string]any{
		"agent_id": l.deps.AgentID, "turn": turnNum, "notifications_pending": hasNotifications,
	})

	result, err := l.deps.Turns.RunTurn(ctx, turn.Request{
		AgentID:     l.deps.AgentID,
		SessionKey:  l.deps.SessionKey,
		Workspace:   l.deps.Workspace,
		AgentsDir:   l.deps.AgentsDir,
		Autonomous:    true,
		Model:         l.deps.Model,
		ToolNames:     l.deps.ToolNames,
		ContextTokens: l.deps.ContextTokens,
		UserMessage:   message,
	})
	if err != nil {
		return yieldDirective{}, fmt.Errorf("run autonomy turn: %w", err)
	}

	l.AddTokens(result.InputTokens + result.OutputTokens)

	directive := parseYield(result)
	if turnHadToolCalls(result) {
		l.markMeaningfulAction()
	}

	l.deps.Bus.Emit(models.EventAutonomyTurnCompleted, map[string]any{
		"agent_id": l.deps.AgentID, "turn": turnNum,
		"yield_mode": directive.Mode, "yield_sleep": directive.Sleep, "yield_reason": directive.Reason,
	})

	return directive, nil
}

func (l *Loop) runPrecheck(ctx context.Context, diff map[string]any) (bool, error) {
	if l.deps.LLM == nil {
		return true, nil
	}
	b, err := json.Marshal(diff)
	if err != nil {
		return true, err
	}
	resp, err := l.deps.LLM.Complete(ctx, llm.Request{
		Model: l.cfg.PreCheckModel,
		System: "You are a pre-check gate. Given the following state changes, determine if any are " +
			"materially significant and require the agent's attention. Reply with YES if the agent " +
			"should wake up, NO if the changes are insignificant.",
		Messages: []llm.Message{{Role: "user", Content: "State changes:\n" + string(b)}},
	})
	if err != nil {
		l.deps.Logger.Warn("pre-check gate failed, allowing turn", "agent_id", l.deps.AgentID, "error", err)
		return true, err
	}
	return strings.Contains(strings.ToUpper(resp.Content), "YES"), nil
}

func (l *Loop) autoRefreshStaleFields(ctx context.Context) {
	if l.deps.Tools == nil {
		return
	}
	for _, field := range l.deps.HotState.GetRefreshableStaleFields() {
		result := l.deps.Tools.Execute(ctx, models.ToolCall{Name: field.RefreshTool, Arguments: json.RawMessage(`{}`)}, true)
		if !result.Success {
			l.deps.Logger.Warn("auto-refresh failed", "field", field.Name, "tool", field.RefreshTool, "error", result.Error)
			continue
		}
		value := result.Data
		if value == nil {
			value = result.Message
		}
		l.deps.HotState.Set(field.Name, value)
	}
}

func buildContextMessage(turnNum int, notifications []models.Notification, rendered string) string {
	var sb strings.Builder
	if len(notifications) > 0 {
		sb.WriteString("## Notifications\n\n")
		for _, n := range notifications {
			data, _ := json.Marshal(n.Data)
			fmt.Fprintf(&sb, "**%s**: %s\n", n.Name, data)
		}
		sb.WriteString("\n")
	}
	if rendered != "" {
		sb.WriteString(rendered)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "## Turn %d\n", turnNum)
	sb.WriteString("Observe the current state and decide your next action. When done, call the `yield` " +
		"tool to control your pacing (sleep, continue, or shutdown).")
	return sb.String()
}

// parseYield recovers the pacing directive from a completed turn. It
// prefers the structured acknowledgement of the last executed `yield`
// tool call; if the turn never called `yield` it falls back to a textual
// heuristic over the final response text (for models that describe their
// pacing in prose instead of calling the tool).
func parseYield(result turn.Result) yieldDirective {
	for i := len(result.ToolCalls) - 1; i >= 0; i-- {
		call := result.ToolCalls[i]
		if call.Name != "yield" || !call.Result.Success {
			continue
		}
		data, ok := call.Result.Data.(map[string]any)
		if !ok {
			continue
		}
		d := yieldDirective{Reason: stringField(data, "reason")}
		d.Mode, _ = data["mode"].(string)
		switch v := data["sleep"].(type) {
		case int:
			d.Sleep = v
		case float64:
			d.Sleep = int(v)
		}
		if raw, ok := data["wake_early_if"].([]string); ok {
			d.WakeEarlyIf = raw
		} else if raw, ok := data["wake_early_if"].([]any); ok {
			for _, item := range raw {
				if s, ok := item.(string); ok {
					d.WakeEarlyIf = append(d.WakeEarlyIf, s)
				}
			}
		}
		if d.Mode != "" {
			return d
		}
	}
	return parseYieldFromText(result.FinalText)
}

var (
	sleepRe = regexp.MustCompile(`(?i)sleeping for (\d+)s`)
	wakeRe  = regexp.MustCompile(`(?i)wake early on: ([^)]+)\)`)
)

func parseYieldFromText(text string) yieldDirective {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "shutting down") {
		return yieldDirective{Mode: "shutdown", Reason: "agent requested shutdown"}
	}
	if strings.Contains(lower, "sleeping for") {
		seconds := 30
		if m := sleepRe.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				seconds = n
			}
		}
		var wakeEarly []string
		if m := wakeRe.FindStringSubmatch(text); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				wakeEarly = append(wakeEarly, strings.TrimSpace(part))
			}
		}
		return yieldDirective{Mode: "sleep", Sleep: seconds, WakeEarlyIf: wakeEarly}
	}
	return yieldDirective{Mode: "continue"}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// turnHadToolCalls reports whether the turn actually executed a tool, used
// to decide whether this counted as meaningful activity for the idle gate.
func turnHadToolCalls(result turn.Result) bool {
	return len(result.ToolCalls) > 0
}

func (l *Loop) withinActiveHours() bool {
	if l.cfg.ActiveHoursStart == "" || l.cfg.ActiveHoursEnd == "" {
		return true
	}
	start, err1 := parseHHMM(l.cfg.ActiveHoursStart)
	end, err2 := parseHHMM(l.cfg.ActiveHoursEnd)
	if err1 != nil || err2 != nil {
		return true
	}
	now := time.Now()
	nowMinutes := now.Hour()*60 + now.Minute()
	if end > start {
		return nowMinutes >= start && nowMinutes < end
	}
	return nowMinutes >= start || nowMinutes < end
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func (l *Loop) maybeResetHour() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.hourStart) >= time.Hour {
		l.tokensThisHour = 0
		l.hourStart = time.Now()
	}
}

func (l *Loop) secondsUntilNextHour() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := time.Since(l.hourStart)
	remaining := time.Hour - elapsed
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

func (l *Loop) tokensThisHourSnapshot() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokensThisHour
}

// AddTokens records tokens spent by a turn against the hourly budget. The
// caller (the turn adapter) reports usage after each completed turn.
func (l *Loop) AddTokens(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokensThisHour += n
}

func (l *Loop) lastMeaningfulActionSnapshot() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMeaningfulAt
}

func (l *Loop) markMeaningfulAction() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastMeaningfulAt = now
	l.actionTimestamps = append(l.actionTimestamps, now)
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.actionTimestamps) && l.actionTimestamps[i].Before(cutoff) {
		i++
	}
	l.actionTimestamps = l.actionTimestamps[i:]
}

// ActionsThisMinute reports how many meaningful actions landed in the
// trailing 60s window, for a caller that wants to throttle beyond what
// the loop enforces on its own (§4.8's rate limiter note).
func (l *Loop) ActionsThisMinute() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	n := 0
	for _, ts := range l.actionTimestamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

func (l *Loop) lastSnapshotTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSnapshot
}

func (l *Loop) setLastSnapshot(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSnapshot = t
}

func (l *Loop) emitGuardrail(guardrail string, details map[string]any) {
	data := map[string]any{"agent_id": l.deps.AgentID, "guardrail": guardrail}
	for k, v := range details {
		data[k] = v
	}
	l.deps.Bus.Emit(models.EventAutonomyGuardrail, data)
	l.deps.Logger.Warn("autonomy guardrail triggered", "agent_id", l.deps.AgentID, "guardrail", guardrail)
}

// sleepWithWakeEarly sleeps up to d, polling the notification queue about
// ten times during the interval and returning early if any queued
// notification's name appears in wakeEarlyIf. An empty wakeEarlyIf sleeps
// the full duration uninterrupted. Returns false if ctx was cancelled.
func (l *Loop) sleepWithWakeEarly(ctx context.Context, d time.Duration, wakeEarlyIf []string) bool {
	if len(wakeEarlyIf) == 0 {
		return sleepCtx(ctx, d)
	}
	wake := make(map[string]bool, len(wakeEarlyIf))
	for _, name := range wakeEarlyIf {
		wake[name] = true
	}

	interval := d / 10
	if interval > time.Second {
		interval = time.Second
	}
	if interval <= 0 {
		interval = d
	}
	elapsed := time.Duration(0)
	for elapsed < d {
		if !sleepCtx(ctx, interval) {
			return false
		}
		elapsed += interval
		woken := false
		for _, n := range l.deps.HotState.PopNotifications() {
			if wake[n.Name] {
				woken = true
			}
			l.deps.HotState.PushNotification(n.Name, n.Data)
		}
		if woken {
			return true
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
