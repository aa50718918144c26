package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"claw-bridge/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe, name-keyed event dispatcher.
// Handlers run synchronously on the dispatching goroutine in registration
// order; a panicking handler is recovered and logged, and the remaining
// handlers still run.
type Bus struct {
	mu           sync.RWMutex
	named        map[string][]subscription
	allSubs      []subscription
	interceptors map[string][]domain.EventHandler
	nextID       atomic.Uint64
	logger       *slog.Logger
	closed       atomic.Bool
}

var _ domain.EventDispatcher = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		named:        make(map[string][]subscription),
		interceptors: make(map[string][]domain.EventHandler),
		logger:       logger,
	}
}

// Dispatch delivers event to its interceptors, then to listeners registered
// for event.Name, then to wildcard listeners.
func (b *Bus) Dispatch(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	intercept := append([]domain.EventHandler(nil), b.interceptors[event.Name]...)
	named := append([]subscription(nil), b.named[event.Name]...)
	allSubs := append([]subscription(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, fn := range intercept {
		b.invoke(ctx, event, fn)
	}
	for _, sub := range named {
		b.invoke(ctx, event, sub.handler)
	}
	for _, sub := range allSubs {
		b.invoke(ctx, event, sub.handler)
	}
}

func (b *Bus) invoke(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Name,
				"panic", r,
			)
		}
	}()
	handler(ctx, event)
}

// On registers a handler for a specific event name.
func (b *Bus) On(name string, handler domain.EventHandler) domain.Subscription {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.named[name] = append(b.named[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return domain.Subscription{Name: name, ID: id}
}

// OnAny registers a handler that receives every event.
func (b *Bus) OnAny(handler domain.EventHandler) domain.Subscription {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return domain.Subscription{ID: id}
}

// Off removes the handler identified by sub. Unknown subscriptions are ignored.
func (b *Bus) Off(sub domain.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.Name == "" {
		b.allSubs = removeSub(b.allSubs, sub.ID)
		return
	}
	subs := removeSub(b.named[sub.Name], sub.ID)
	if len(subs) == 0 {
		delete(b.named, sub.Name)
		return
	}
	b.named[sub.Name] = subs
}

func removeSub(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Intercept registers a protocol-level handler that sees events named name
// before any user listener. Interceptors cannot be removed.
func (b *Bus) Intercept(name string, fn domain.EventHandler) {
	b.mu.Lock()
	b.interceptors[name] = append(b.interceptors[name], fn)
	b.mu.Unlock()
}

// Listeners returns how many user handlers would receive an event named name.
func (b *Bus) Listeners(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.named[name]) + len(b.allSubs)
}

// Close drops every subscription and turns later dispatches into no-ops.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	b.named = make(map[string][]subscription)
	b.allSubs = nil
	b.interceptors = make(map[string][]domain.EventHandler)
	b.mu.Unlock()
}
