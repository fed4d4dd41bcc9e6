// Package sensors implements the Sensor framework (C6): long-lived
// background tasks that fetch external data on a poll/watch/stream cadence,
// write it into an agent's HotState, and optionally score it against
// LLM-evaluated signals that push notifications.
package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/llama-farm/openhoof/internal/backoff"
	"github.com/llama-farm/openhoof/internal/config"
	"github.com/llama-farm/openhoof/internal/hotstate"
	"github.com/llama-farm/openhoof/internal/llm"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/pkg/models"
)

// MaxBackoff caps a sensor's error backoff at five minutes (§4.5, §5).
const MaxBackoff = 300 * time.Second

// Deps are the collaborators every Sensor needs, independent of kind.
type Deps struct {
	AgentID    string
	Tools      *tools.Registry
	HotState   *hotstate.Store
	Bus        Emitter
	LLM        llm.Client
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Emitter is the subset of bus.Bus a Sensor needs; narrowed so this package
// does not import internal/bus directly (§9's narrow-injected-callback
// ownership rule).
type Emitter interface {
	Emit(eventType string, data any) models.Event
}

// iterator is the one method each concrete kind implements: run exactly one
// loop iteration, blocking until there is something to report or ctx is
// cancelled. A returned error triggers the shared backoff/retry wrapper.
type iterator interface {
	baseInterval() time.Duration
	iterate(ctx context.Context) error
}

// Sensor runs one configured binding as an independent, cancellable task
// (§5: "one task per Sensor").
type Sensor struct {
	cfg  config.SensorConfig
	deps Deps
	kind iterator

	mu         sync.Mutex
	lastFired  map[string]time.Time
	backoffFor time.Duration
}

// New constructs a Sensor from its declared configuration, dispatching to
// the concrete poll/watch/stream implementation. Returns an error for an
// unknown type or a kind missing its required source field — the caller
// (the agent handle) should log and skip rather than fail startup.
func New(cfg config.SensorConfig, deps Deps) (*Sensor, error) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	switch cfg.Type {
	case "poll":
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("poll sensor %q missing interval", cfg.Name)
		}
		if cfg.Source.Tool == "" && cfg.Source.URL == "" {
			return nil, fmt.Errorf("poll sensor %q has no tool or url source", cfg.Name)
		}
		sensor := &Sensor{cfg: cfg, deps: deps, lastFired: make(map[string]time.Time)}
		sensor.kind = &pollSensor{sensor: sensor}
		return sensor, nil
	case "watch":
		if cfg.Source.Path == "" {
			return nil, fmt.Errorf("watch sensor %q missing source.path", cfg.Name)
		}
		sensor := &Sensor{cfg: cfg, deps: deps, lastFired: make(map[string]time.Time)}
		sensor.kind = &watchSensor{sensor: sensor}
		return sensor, nil
	case "stream":
		if cfg.Source.URL == "" {
			return nil, fmt.Errorf("stream sensor %q missing source.url", cfg.Name)
		}
		sensor := &Sensor{cfg: cfg, deps: deps, lastFired: make(map[string]time.Time)}
		sensor.kind = &streamSensor{sensor: sensor}
		return sensor, nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.Type)
	}
}

// Name returns the sensor's configured name.
func (s *Sensor) Name() string { return s.cfg.Name }

// Run is the sensor's main loop: iterate, reset backoff on success, back off
// and emit autonomy:sensor_error on failure, until ctx is cancelled.
func (s *Sensor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.kind.iterate(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.onError(err)
			if !sleepCtx(ctx, s.nextBackoff()) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.backoffFor = 0
		s.mu.Unlock()
	}
}

func (s *Sensor) nextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoffFor <= 0 {
		s.backoffFor = s.kind.baseInterval()
		if s.backoffFor <= 0 {
			s.backoffFor = time.Second
		}
		return s.backoffFor
	}
	policy := backoff.BackoffPolicy{InitialMs: float64(s.backoffFor.Milliseconds()), MaxMs: float64(MaxBackoff.Milliseconds()), Factor: 2}
	s.backoffFor = backoff.ComputeBackoff(policy, 2)
	if s.backoffFor > MaxBackoff {
		s.backoffFor = MaxBackoff
	}
	return s.backoffFor
}

func (s *Sensor) onError(err error) {
	s.deps.Logger.Error("sensor error", "sensor", s.cfg.Name, "agent_id", s.deps.AgentID, "error", err)
	s.deps.Bus.Emit(models.EventAutonomySensorError, map[string]any{
		"agent_id": s.deps.AgentID, "sensor_name": s.cfg.Name, "error": err.Error(),
	})
}

// writeToHotState writes value to every declared update field and emits
// autonomy:sensor_updated once per field (§4.5's update semantics: the same
// fetched value is written to each declared field, unmodified).
func (s *Sensor) writeToHotState(value any) {
	for _, field := range s.cfg.Updates {
		s.deps.HotState.Set(field, value)
		s.deps.Bus.Emit(models.EventAutonomySensorUpdated, map[string]any{
			"agent_id": s.deps.AgentID, "sensor_name": s.cfg.Name, "field": field,
		})
	}
}

// runSignals evaluates each configured signal against the just-fetched
// data, pushing a HotState notification for any signal whose score clears
// its threshold and whose per-signal cooldown has elapsed (§4.5).
func (s *Sensor) runSignals(ctx context.Context, data any) {
	if len(s.cfg.Signals) == 0 || s.deps.LLM == nil {
		return
	}
	for _, sig := range s.cfg.Signals {
		if sig.Cooldown > 0 {
			s.mu.Lock()
			last, fired := s.lastFired[sig.Name]
			s.mu.Unlock()
			if fired && time.Since(last) < sig.CooldownDuration() {
				continue
			}
		}

		threshold := sig.Threshold
		if threshold == 0 {
			threshold = 0.8
		}

		score, err := s.scoreSignal(ctx, sig, data)
		if err != nil {
			s.deps.Logger.Warn("signal evaluation failed", "signal", sig.Name, "sensor", s.cfg.Name, "error", err)
			continue
		}
		if score == nil || *score < threshold {
			continue
		}

		s.mu.Lock()
		s.lastFired[sig.Name] = time.Now()
		s.mu.Unlock()

		if !sig.Notify {
			continue
		}
		s.deps.HotState.PushNotification(sig.Name, map[string]any{
			"signal": sig.Name, "score": *score, "data": data, "sensor": s.cfg.Name,
		})
		s.deps.Bus.Emit(models.EventAutonomyNotifyPushed, map[string]any{
			"agent_id": s.deps.AgentID, "sensor_name": s.cfg.Name, "signal_name": sig.Name, "score": *score,
		})
	}
}

func (s *Sensor) scoreSignal(ctx context.Context, sig config.SensorSignalConfig, data any) (*float64, error) {
	dataStr, ok := data.(string)
	if !ok {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("serialize signal data: %w", err)
		}
		dataStr = string(b)
	}

	resp, err := s.deps.LLM.Complete(ctx, llm.Request{
		Model:  sig.Model,
		System: sig.Prompt,
		Messages: []llm.Message{
			{Role: "user", Content: dataStr},
		},
	})
	if err != nil {
		return nil, err
	}
	return parseScore(resp.Content)
}

var (
	scoreUnitRe = regexp.MustCompile(`\b(0(?:\.\d+)?|1(?:\.0+)?)\b`)
	scoreAnyRe  = regexp.MustCompile(`\d+\.?\d*`)
)

// parseScore extracts the first decimal number in [0,1] it finds in text,
// falling back to the first any-float match that happens to fall in range.
func parseScore(text string) (*float64, error) {
	if match := scoreUnitRe.FindString(text); match != "" {
		v, err := strconv.ParseFloat(match, 64)
		if err == nil {
			return &v, nil
		}
	}
	for _, m := range scoreAnyRe.FindAllString(text, -1) {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			continue
		}
		if v >= 0 && v <= 1 {
			return &v, nil
		}
	}
	return nil, nil
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

// parseJSONOrRaw mirrors the Python source's try-JSON-else-raw-text
// decoding used by all three sensor kinds.
func parseJSONOrRaw(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
