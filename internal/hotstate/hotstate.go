// Package hotstate implements the per-agent typed hot-state store (C4):
// schema-declared fields with TTL-based staleness, array overflow trimming,
// and a FIFO notification queue drained once per autonomy turn.
package hotstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llama-farm/openhoof/pkg/models"
)

// RefreshableField names a stale field along with the tool that can refresh
// it, returned by GetRefreshableStaleFields.
type RefreshableField struct {
	Name        string
	RefreshTool string
}

// Store is one agent's hot-state instance (C4). It is owned by the agent's
// handle and borrowed by sensors and the autonomy loop; see §9's ownership
// note.
type Store struct {
	mu     sync.RWMutex
	schema map[string]models.HotStateFieldSchema
	fields map[string]models.HotStateField

	notifMu sync.Mutex
	notifs  []models.Notification

	logger *slog.Logger
}

// New constructs a Store bound to the given field schema. Writes to names
// absent from schema fail silently per §4.3 (logged, not erroring the
// caller).
func New(schema map[string]models.HotStateFieldSchema, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		schema: schema,
		fields: make(map[string]models.HotStateField, len(schema)),
		logger: logger,
	}
}

// Set writes value to name, updating UpdatedAt. Unknown fields are rejected
// with a log line and no error surfaced to the caller, per §4.3's intent to
// resist misspelled sensor bindings silently creating ghost state.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema, ok := s.schema[name]
	if !ok {
		s.logger.Warn("hot state write to undeclared field ignored", "field", name)
		return
	}
	s.fields[name] = models.HotStateField{Schema: schema, Value: value, UpdatedAt: time.Now()}
}

// Append appends item to an array-typed field, dropping the oldest elements
// if MaxItems is exceeded. It rejects non-array fields (logged, no-op).
func (s *Store) Append(name string, item any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema, ok := s.schema[name]
	if !ok {
		s.logger.Warn("hot state append to undeclared field ignored", "field", name)
		return
	}
	if schema.Type != models.HotStateTypeArray {
		s.logger.Warn("hot state append to non-array field rejected", "field", name, "type", schema.Type)
		return
	}

	existing := s.fields[name]
	var seq []any
	if existing.Value != nil {
		seq, _ = existing.Value.([]any)
	}
	seq = append(seq, item)
	if schema.MaxItems > 0 && len(seq) > schema.MaxItems {
		seq = seq[len(seq)-schema.MaxItems:]
	}
	s.fields[name] = models.HotStateField{Schema: schema, Value: seq, UpdatedAt: time.Now()}
}

// Get returns the current value of name and whether it exists.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[name]
	if !ok {
		return nil, false
	}
	return f.Value, true
}

// IsStale reports whether name is stale: TTL configured and either never
// written or older than TTL. A field with no TTL is never stale; an
// undeclared field is considered stale (nothing to refresh it with).
func (s *Store) IsStale(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, declared := s.schema[name]
	if !declared {
		return true
	}
	f, ok := s.fields[name]
	if !ok {
		return schema.TTL > 0
	}
	return f.IsStale(time.Now())
}

// GetRefreshableStaleFields returns every declared field that is currently
// stale and carries a refresh_tool, in deterministic (sorted) order.
func (s *Store) GetRefreshableStaleFields() []RefreshableField {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []RefreshableField
	for name, schema := range s.schema {
		if schema.RefreshTool == "" {
			continue
		}
		f, ok := s.fields[name]
		stale := !ok || f.IsStale(now)
		if stale {
			out = append(out, RefreshableField{Name: name, RefreshTool: schema.RefreshTool})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PushNotification enqueues a notification at the tail of the FIFO queue.
func (s *Store) PushNotification(name string, data any) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	s.notifs = append(s.notifs, models.Notification{Name: name, Data: data, Timestamp: time.Now()})
}

// PopNotifications atomically drains and returns the entire queue.
func (s *Store) PopNotifications() []models.Notification {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	if len(s.notifs) == 0 {
		return nil
	}
	out := s.notifs
	s.notifs = nil
	return out
}

// HasNotifications reports whether the queue is non-empty.
func (s *Store) HasNotifications() bool {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	return len(s.notifs) > 0
}

// SnapshotTime returns a monotonically usable timestamp suitable as the
// `since` argument to a later DiffSince call (the pre-check gate's
// last_snapshot, §4.8 step 7).
func (s *Store) SnapshotTime() time.Time {
	return time.Now()
}

// DiffSince returns the subset of fields whose UpdatedAt is after since.
func (s *Store) DiffSince(since time.Time) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	diff := make(map[string]any)
	for name, f := range s.fields {
		if f.UpdatedAt.After(since) {
			diff[name] = f.Value
		}
	}
	return diff
}

// Render produces a human-readable block, one line per declared field,
// annotating staleness with elapsed age when past TTL.
func (s *Store) Render() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schema))
	for name := range s.schema {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	var b strings.Builder
	for _, name := range names {
		f, ok := s.fields[name]
		if !ok {
			fmt.Fprintf(&b, "%s: (unset)\n", name)
			continue
		}
		valStr := renderValue(f.Value)
		if f.IsStale(now) {
			fmt.Fprintf(&b, "%s: %s (stale, %s old)\n", name, valStr, humanAge(now.Sub(f.UpdatedAt)))
		} else {
			fmt.Fprintf(&b, "%s: %s\n", name, valStr)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
