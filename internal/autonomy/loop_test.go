package autonomy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/hotstate"
	"github.com/llama-farm/openhoof/internal/turn"
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

func (f *fakeBus) last(eventType string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == eventType {
			data, _ := f.events[i].Data.(map[string]any)
			return data
		}
	}
	return nil
}

type fakeTurnRunner struct {
	mu       sync.Mutex
	requests []turn.Request
	respond  func(req turn.Request) (turn.Result, error)
}

func (f *fakeTurnRunner) RunTurn(ctx context.Context, req turn.Request) (turn.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeTurnRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func yieldToolCall(mode string, sleep int, wakeEarlyIf ...string) turn.ToolCallRecord {
	data := map[string]any{"mode": mode, "sleep": sleep, "reason": ""}
	if len(wakeEarlyIf) > 0 {
		data["wake_early_if"] = wakeEarlyIf
	}
	return turn.ToolCallRecord{Name: "yield", Result: models.ToolResult{Success: true, Data: data}}
}

func TestLoopShutsDownOnYieldShutdown(t *testing.T) {
	bus := &fakeBus{}
	runner := &fakeTurnRunner{respond: func(req turn.Request) (turn.Result, error) {
		return turn.Result{FinalText: "done", ToolCalls: []turn.ToolCallRecord{yieldToolCall("shutdown", 0)}}, nil
	}}
	hs := hotstate.New(nil, nil)

	loop := New(config.AutonomyConfig{}, Deps{AgentID: "a", HotState: hs, Turns: runner, Bus: bus})
	loop.Start(context.Background())

	require.Eventually(t, func() bool { return runner.count() >= 1 }, time.Second, 5*time.Millisecond)
	loop.Stop()

	assert.Equal(t, 1, bus.count(models.EventAutonomyTurnCompleted))
	completed := bus.last(models.EventAutonomyTurnCompleted)
	assert.Equal(t, "shutdown", completed["yield_mode"])
}

func TestLoopSleepsThenContinuesAfterYieldSleep(t *testing.T) {
	bus := &fakeBus{}
	var calls int
	runner := &fakeTurnRunner{respond: func(req turn.Request) (turn.Result, error) {
		calls++
		if calls == 1 {
			return turn.Result{FinalText: "sleeping", ToolCalls: []turn.ToolCallRecord{yieldToolCall("sleep", 1)}}, nil
		}
		return turn.Result{FinalText: "done", ToolCalls: []turn.ToolCallRecord{yieldToolCall("shutdown", 0)}}, nil
	}}
	hs := hotstate.New(nil, nil)

	loop := New(config.AutonomyConfig{}, Deps{AgentID: "a", HotState: hs, Turns: runner, Bus: bus})
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool { return runner.count() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestLoopWakesEarlyOnMatchingNotification(t *testing.T) {
	bus := &fakeBus{}
	var calls int
	hs := hotstate.New(nil, nil)
	runner := &fakeTurnRunner{respond: func(req turn.Request) (turn.Result, error) {
		calls++
		if calls == 1 {
			return turn.Result{FinalText: "sleeping", ToolCalls: []turn.ToolCallRecord{yieldToolCall("sleep", 5, "order_filled")}}, nil
		}
		return turn.Result{FinalText: "done", ToolCalls: []turn.ToolCallRecord{yieldToolCall("shutdown", 0)}}, nil
	}}

	loop := New(config.AutonomyConfig{}, Deps{AgentID: "trader", HotState: hs, Turns: runner, Bus: bus})
	start := time.Now()
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool { return runner.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	hs.PushNotification("order_filled", map[string]any{"id": 1})

	require.Eventually(t, func() bool { return runner.count() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 4*time.Second)

	require.Len(t, runner.requests, 2)
	assert.Contains(t, runner.requests[1].UserMessage, "order_filled")
}

func TestLoopStopsOnIdleTimeout(t *testing.T) {
	bus := &fakeBus{}
	runner := &fakeTurnRunner{respond: func(req turn.Request) (turn.Result, error) {
		return turn.Result{FinalText: "continuing"}, nil
	}}
	hs := hotstate.New(nil, nil)

	loop := New(config.AutonomyConfig{IdleTimeout: 1, MaxConsecutiveTurns: 1000}, Deps{AgentID: "a", HotState: hs, Turns: runner, Bus: bus})
	loop.lastMeaningfulAt = time.Now().Add(-2 * time.Second)
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool { return bus.count(models.EventAutonomyGuardrail) >= 1 }, time.Second, 5*time.Millisecond)
	guardrail := bus.last(models.EventAutonomyGuardrail)
	assert.Equal(t, "idle_timeout", guardrail["guardrail"])
}

func TestLoopSkipsTurnOnPrecheckNoChanges(t *testing.T) {
	bus := &fakeBus{}
	runner := &fakeTurnRunner{respond: func(req turn.Request) (turn.Result, error) {
		t.Fatal("turn should not run when pre-check finds no changes")
		return turn.Result{}, nil
	}}
	hs := hotstate.New(nil, nil)

	loop := New(config.AutonomyConfig{PreCheckModel: "fast"}, Deps{AgentID: "a", HotState: hs, Turns: runner, Bus: bus})

	directive, err := loop.runTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sleep", directive.Mode)
	assert.Equal(t, 10, directive.Sleep)
	assert.Equal(t, 1, bus.count(models.EventAutonomyPrecheckSkip))
}

func TestLoopTokenBudgetGuardrailBlocksFurtherTurns(t *testing.T) {
	bus := &fakeBus{}
	runner := &fakeTurnRunner{respond: func(req turn.Request) (turn.Result, error) {
		return turn.Result{
			FinalText: "working", InputTokens: 100, OutputTokens: 50,
			ToolCalls: []turn.ToolCallRecord{yieldToolCall("continue", 0)},
		}, nil
	}}
	hs := hotstate.New(nil, nil)

	loop := New(config.AutonomyConfig{TokenBudgetPerHour: 100, MaxConsecutiveTurns: 1000}, Deps{AgentID: "a", HotState: hs, Turns: runner, Bus: bus})
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return bus.count(models.EventAutonomyGuardrail) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	callsAtGuardrail := runner.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, callsAtGuardrail, runner.count(), "no further turns should run once the token budget guardrail trips")

	guardrail := bus.last(models.EventAutonomyGuardrail)
	assert.Equal(t, "token_budget", guardrail["guardrail"])
}

func TestParseYieldFromTextFallback(t *testing.T) {
	d := parseYieldFromText("Sleeping for 30s")
	assert.Equal(t, "sleep", d.Mode)
	assert.Equal(t, 30, d.Sleep)

	d = parseYieldFromText("Shutting down")
	assert.Equal(t, "shutdown", d.Mode)

	d = parseYieldFromText("I think I'll keep working on this.")
	assert.Equal(t, "continue", d.Mode)
}

func TestWithinActiveHours(t *testing.T) {
	loop := &Loop{cfg: config.AutonomyConfig{}}
	assert.True(t, loop.withinActiveHours(), "no active-hours window configured means always active")
}
