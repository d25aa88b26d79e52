package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentgw/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Option configures a Bus.
type Option func(*Bus)

// WithOrdered makes Publish invoke handlers inline, one publish at a time, so
// every handler observes events in publish order. The simulated gateway uses
// this to keep push frames in the order they were produced.
func WithOrdered() Option {
	return func(b *Bus) { b.ordered = true }
}

// Bus is an in-process, goroutine-safe event bus keyed by raw event name.
type Bus struct {
	mu         sync.RWMutex
	named      map[string][]subscription
	categories map[domain.EventCategory][]subscription
	allSubs    []subscription
	nextID     atomic.Uint64
	logger     *slog.Logger
	wg         sync.WaitGroup
	closed     atomic.Bool

	ordered   bool
	publishMu sync.Mutex
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		named:      make(map[string][]subscription),
		categories: make(map[domain.EventCategory][]subscription),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans out an event to subscribers of its name, of its category and
// of every event. By default each handler is invoked in its own goroutine.
// Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.named[event.Name])+len(b.allSubs))
	subs = append(subs, b.named[event.Name]...)
	subs = append(subs, b.categories[event.Category()]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	if b.ordered {
		b.wg.Add(1)
		defer b.wg.Done()
		b.publishMu.Lock()
		defer b.publishMu.Unlock()
		for _, sub := range subs {
			b.invoke(ctx, event, sub)
		}
		return
	}

	for _, sub := range subs {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.invoke(ctx, event, sub)
		}()
	}
}

func (b *Bus) invoke(ctx context.Context, event domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event.Name,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for a specific raw event name.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(name string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.named[name] = append(b.named[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.named[name] = without(b.named[name], id)
	}
}

// SubscribeCategory registers a handler for every event in a category, e.g.
// all task.* events. CategoryGeneric receives names outside the known set.
func (b *Bus) SubscribeCategory(category domain.EventCategory, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.categories[category] = append(b.categories[category], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.categories[category] = without(b.categories[category], id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
