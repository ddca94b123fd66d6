package eventbus

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Handler consumes bus events. Implementations declare which event types
// they handle and a priority; lower priorities run first.
type Handler interface {
	// ID returns a stable identifier for logging.
	ID() string

	// Handles returns the event types this handler consumes.
	Handles() []EventType

	// Priority orders handlers within a Dispatch call (lowest first).
	Priority() int

	// Handle processes one event. Errors are logged but do not stop the chain.
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers. Dispatch is synchronous
// and in-process; external consumers (metrics, logs) attach at construction.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish stamps and dispatches an event, ignoring handler errors. It is
// the fire-and-forget form used by the engine's hot paths.
func (b *Bus) Publish(ctx context.Context, event *Event) {
	_ = b.Dispatch(ctx, event)
}

// Dispatch sends an event to all registered handlers that handle its type.
// Handlers are called sequentially in priority order (lowest first).
// Handler errors are logged but do not stop the chain.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			log.Printf("eventbus: handler %q error for %s: %v", h.ID(), event.Type, err)
		}
	}
	return nil
}

// Handlers returns all registered handlers (for introspection).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers for the given event type, sorted by
// priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name     string
	Types    []EventType
	Prio     int
	HandleFn func(ctx context.Context, event *Event) error
}

func (f *HandlerFunc) ID() string           { return f.Name }
func (f *HandlerFunc) Handles() []EventType { return f.Types }
func (f *HandlerFunc) Priority() int        { return f.Prio }
func (f *HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f.HandleFn(ctx, event)
}
