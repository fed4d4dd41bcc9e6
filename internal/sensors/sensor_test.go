package sensors

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/hotstate"
	"github.com/llama-farm/openhoof/internal/llm"
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

type priceTool struct{ calls int }

func (t *priceTool) Name() string        { return "get_price" }
func (t *priceTool) Description() string { return "fetch a price" }
func (t *priceTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *priceTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	t.calls++
	return models.ToolResult{Success: true, Data: map[string]any{"price": 42}}, nil
}

func TestPollSensorFetchesViaToolAndWritesHotState(t *testing.T) {
	registry := tools.NewRegistry()
	tool := &priceTool{}
	require.NoError(t, registry.Register(tool))

	hs := hotstate.New(map[string]models.HotStateFieldSchema{
		"price": {Type: models.HotStateTypeObject},
	}, nil)
	bus := &fakeBus{}

	cfg := config.SensorConfig{
		Name: "price-poll", Type: "poll", Interval: 1,
		Source:  config.SensorSource{Tool: "get_price"},
		Updates: []string{"price"},
	}
	sensor, err := New(cfg, Deps{AgentID: "trader", Tools: registry, HotState: hs, Bus: bus})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sensor.Run(ctx)

	assert.GreaterOrEqual(t, tool.calls, 1)
	value, ok := hs.Get("price")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"price": 42}, value)
	assert.GreaterOrEqual(t, bus.count(models.EventAutonomySensorUpdated), 1)
}

func TestNewRejectsUnknownSensorType(t *testing.T) {
	_, err := New(config.SensorConfig{Name: "x", Type: "carrier-pigeon"}, Deps{})
	assert.Error(t, err)
}

func TestNewRejectsPollWithoutSource(t *testing.T) {
	_, err := New(config.SensorConfig{Name: "x", Type: "poll", Interval: 10}, Deps{})
	assert.Error(t, err)
}

func TestRunSignalsPushesNotificationAboveThreshold(t *testing.T) {
	hs := hotstate.New(map[string]models.HotStateFieldSchema{}, nil)
	bus := &fakeBus{}
	fake := llm.NewFakeClient(llm.Response{Content: "score: 0.95"})

	cfg := config.SensorConfig{
		Name: "news-poll", Type: "poll", Interval: 60,
		Source: config.SensorSource{URL: "https://example.invalid/feed"},
		Signals: []config.SensorSignalConfig{
			{Name: "breaking", Model: "fast", Prompt: "Is this breaking news?", Threshold: 0.8, Notify: true},
		},
	}
	sensor, err := New(cfg, Deps{AgentID: "news", HotState: hs, Bus: bus, LLM: fake})
	require.NoError(t, err)

	sensor.runSignals(context.Background(), "market crashes unexpectedly")

	assert.Equal(t, 1, bus.count(models.EventAutonomyNotifyPushed))
	assert.True(t, hs.HasNotifications())
	notifs := hs.PopNotifications()
	require.Len(t, notifs, 1)
	assert.Equal(t, "breaking", notifs[0].Name)
}

func TestRunSignalsRespectsCooldown(t *testing.T) {
	hs := hotstate.New(map[string]models.HotStateFieldSchema{}, nil)
	bus := &fakeBus{}
	fake := llm.NewFakeClient(
		llm.Response{Content: "0.9"},
		llm.Response{Content: "0.9"},
	)

	cfg := config.SensorConfig{
		Name: "news-poll", Type: "poll", Interval: 60,
		Source: config.SensorSource{URL: "https://example.invalid/feed"},
		Signals: []config.SensorSignalConfig{
			{Name: "breaking", Prompt: "p", Threshold: 0.5, Notify: true, Cooldown: 3600},
		},
	}
	sensor, err := New(cfg, Deps{AgentID: "news", HotState: hs, Bus: bus, LLM: fake})
	require.NoError(t, err)

	sensor.runSignals(context.Background(), "event one")
	sensor.runSignals(context.Background(), "event two")

	assert.Equal(t, 1, bus.count(models.EventAutonomyNotifyPushed))
}

func TestParseScoreExtractsDecimalInRange(t *testing.T) {
	score, err := parseScore("I'd rate this a 0.87 out of 1")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.InDelta(t, 0.87, *score, 0.0001)
}

func TestParseScoreReturnsNilWhenAbsent(t *testing.T) {
	score, err := parseScore("no numeric content here")
	require.NoError(t, err)
	assert.Nil(t, score)
}
