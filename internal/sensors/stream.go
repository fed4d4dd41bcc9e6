package sensors

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// streamSensor holds a long-lived connection (websocket or a line-delimited
// HTTP stream such as SSE) and processes one frame/line at a time.
type streamSensor struct {
	sensor *Sensor
}

func (s *streamSensor) baseInterval() time.Duration { return 5 * time.Second }

func (s *streamSensor) iterate(ctx context.Context) error {
	url := s.sensor.cfg.Source.URL
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return s.runWebsocket(ctx, url)
	}
	return s.runLineStream(ctx, url)
}

func (s *streamSensor) runWebsocket(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("stream sensor %q: dial %s: %w", s.sensor.cfg.Name, url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		close(done)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream sensor %q: read: %w", s.sensor.cfg.Name, err)
		}
		data := parseJSONOrRaw(msg)
		s.sensor.writeToHotState(data)
		s.sensor.runSignals(ctx, data)
	}
}

func (s *streamSensor) runLineStream(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.sensor.deps.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream sensor %q: connect %s: %w", s.sensor.cfg.Name, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("stream sensor %q: %s returned status %d", s.sensor.cfg.Name, url, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		data := parseJSONOrRaw([]byte(line))
		s.sensor.writeToHotState(data)
		s.sensor.runSignals(ctx, data)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream sensor %q: read: %w", s.sensor.cfg.Name, err)
	}
	return nil
}
