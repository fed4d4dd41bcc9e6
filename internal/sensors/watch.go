package sensors

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSensor stats a file once a second (and reacts immediately to
// fsnotify events on its parent directory) and re-reads it whenever its
// mtime advances.
type watchSensor struct {
	sensor *Sensor

	lastMtime time.Time
}

func (w *watchSensor) baseInterval() time.Duration { return time.Second }

func (w *watchSensor) iterate(ctx context.Context) error {
	path := w.sensor.cfg.Source.Path

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		_ = watcher.Add(filepath.Dir(path))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.checkOnce(path)
		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if ev.Name == path || filepath.Clean(ev.Name) == filepath.Clean(path) {
				w.checkOnce(path)
			}
		}
	}
}

// checkOnce is best-effort: a transient stat/read failure is logged but
// does not tear down the watch loop (mirrors the source's "sleep and retry"
// behavior rather than the shared backoff, since a missing file is a
// routine, expected condition for a not-yet-created path).
func (w *watchSensor) checkOnce(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mtime := info.ModTime()
	if !w.lastMtime.IsZero() && !mtime.After(w.lastMtime) {
		return
	}
	w.lastMtime = mtime

	content, err := os.ReadFile(path)
	if err != nil {
		w.sensor.deps.Logger.Warn("watch sensor read failed", "sensor", w.sensor.cfg.Name, "path", path, "error", err)
		return
	}

	data := parseJSONOrRaw(content)
	w.sensor.writeToHotState(data)
	w.sensor.runSignals(context.Background(), data)
}

// watcherEvents returns a nil-safe events channel (a nil *fsnotify.Watcher
// yields a nil channel, which blocks forever in a select — harmless since
// the ticker branch still drives the per-second check).
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}
