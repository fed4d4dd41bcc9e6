package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llama-farm/openhoof/pkg/models"
)

// pollSensor fetches from a named tool or a URL on a fixed interval.
type pollSensor struct {
	sensor *Sensor
}

func (p *pollSensor) baseInterval() time.Duration {
	return time.Duration(p.sensor.cfg.Interval) * time.Second
}

func (p *pollSensor) iterate(ctx context.Context) error {
	data, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.sensor.writeToHotState(data)
	p.sensor.runSignals(ctx, data)
	return sleepOrCancelled(ctx, p.baseInterval())
}

func (p *pollSensor) fetch(ctx context.Context) (any, error) {
	cfg := p.sensor.cfg
	deps := p.sensor.deps
	switch {
	case cfg.Source.Tool != "":
		if deps.Tools == nil {
			return nil, fmt.Errorf("poll sensor %q: no tool registry available", cfg.Name)
		}
		params, err := json.Marshal(cfg.Source.Params)
		if err != nil {
			return nil, fmt.Errorf("poll sensor %q: encode tool params: %w", cfg.Name, err)
		}
		result := deps.Tools.Execute(ctx, models.ToolCall{Name: cfg.Source.Tool, Arguments: params}, true)
		if !result.Success {
			return nil, fmt.Errorf("tool %s failed: %s", cfg.Source.Tool, result.Error)
		}
		if result.Data != nil {
			return result.Data, nil
		}
		return result.Message, nil

	case cfg.Source.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Source.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := deps.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("poll sensor %q: %s returned status %d", cfg.Name, cfg.Source.URL, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			return parseJSONOrRaw(body), nil
		}
		return string(body), nil

	default:
		return nil, fmt.Errorf("poll sensor %q: no tool or url configured", cfg.Name)
	}
}

func sleepOrCancelled(ctx context.Context, d time.Duration) error {
	if !sleepCtx(ctx, d) {
		return ctx.Err()
	}
	return nil
}
