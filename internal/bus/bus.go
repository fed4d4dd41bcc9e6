// Package bus implements the host runtime's ordered in-process event bus:
// subscribe/unsubscribe/emit/get_recent with a bounded history ring and
// best-effort, non-blocking delivery to external subscribers.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/llama-farm/openhoof/pkg/models"
)

// historySize bounds the in-memory ring of recent events.
const historySize = 1000

// Handler observes one event. It runs synchronously on the emitting
// goroutine for in-process subscribers; it must not block for long.
type Handler func(models.Event)

// ExternalHandler is a handler registered via SubscribeExternal. It is
// delivered on a dedicated goroutine per subscriber and MUST NOT block the
// publish loop; a handler that returns an error is logged and dropped from
// the delivery set. A panic in a handler is not recovered.
type ExternalHandler func(models.Event) error

type subscription struct {
	id      uint64
	handler Handler
}

type externalSubscription struct {
	id      uint64
	ch      chan models.Event
	done    chan struct{}
	dropped atomic.Bool
}

// Bus is the event bus (C1).
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	external map[string][]*externalSubscription
	nextSub  uint64
	seq      atomic.Uint64

	historyMu sync.Mutex
	history   []models.Event

	logger *slog.Logger
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		external: make(map[string][]*externalSubscription),
		logger:   logger,
	}
}

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe.
type Subscription struct {
	eventType string
	id        uint64
}

// Subscribe registers handler for eventType ("*" subscribes to every type).
// Handlers for the same type observe events in registration order.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return Subscription{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// SubscribeExternal registers a handler delivered asynchronously on a
// dedicated goroutine, decoupled from the publish loop. Delivery is
// best-effort: if the handler's channel is full the event is dropped for
// that subscriber (never blocks emit), and a handler invocation that errors
// removes the subscription.
func (b *Bus) SubscribeExternal(eventType string, buffer int, handler ExternalHandler) Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	sub := &externalSubscription{id: id, ch: make(chan models.Event, buffer), done: make(chan struct{})}
	b.external[eventType] = append(b.external[eventType], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				if err := handler(ev); err != nil {
					b.logger.Warn("external event subscriber failed, dropping", "event_type", eventType, "error", err)
					sub.dropped.Store(true)
					b.removeExternal(eventType, id)
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	return Subscription{eventType: eventType, id: id}
}

func (b *Bus) removeExternal(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.external[eventType]
	for i, s := range subs {
		if s.id == id {
			close(s.done)
			b.external[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event of the given type with data, appends it to
// history, and delivers it to every matching in-process handler (in
// registration order, synchronously) before returning, then fans it out
// non-blockingly to external subscribers.
func (b *Bus) Emit(eventType string, data any) models.Event {
	ev := models.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		EventID:   uuid.NewString(),
	}

	b.appendHistory(ev)

	b.mu.RLock()
	inProcess := append(append([]subscription(nil), b.handlers[eventType]...), b.handlers[models.EventWildcard]...)
	ext := append(append([]*externalSubscription(nil), b.external[eventType]...), b.external[models.EventWildcard]...)
	b.mu.RUnlock()

	for _, s := range inProcess {
		s.handler(ev)
	}

	for _, s := range ext {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("external subscriber backlogged, dropping event", "event_type", eventType)
		}
	}

	return ev
}

func (b *Bus) appendHistory(ev models.Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
}

// GetRecent returns up to limit most recent events, optionally filtered by
// type and/or agent_id (agent_id is matched against an "agent_id" field on
// Data when Data is a map[string]any, a best-effort filter for
// caller-supplied structured payloads).
func (b *Bus) GetRecent(limit int, types []string, agentID string) []models.Event {
	b.historyMu.Lock()
	snapshot := append([]models.Event(nil), b.history...)
	b.historyMu.Unlock()

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	out := make([]models.Event, 0, limit)
	for i := len(snapshot) - 1; i >= 0 && len(out) < limit; i-- {
		ev := snapshot[i]
		if len(typeSet) > 0 && !typeSet[ev.Type] {
			continue
		}
		if agentID != "" && !eventMatchesAgent(ev, agentID) {
			continue
		}
		out = append(out, ev)
	}
	// GetRecent returns newest-last, matching transcript/history ordering.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func eventMatchesAgent(ev models.Event, agentID string) bool {
	m, ok := ev.Data.(map[string]any)
	if !ok {
		return false
	}
	v, ok := m["agent_id"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == agentID
}
