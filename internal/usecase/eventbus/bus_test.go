package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentgw/internal/domain"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.Default(), opts...)
}

func newEvent(name string) domain.Event {
	return domain.Event{Name: name, ReceivedAt: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskDone, func(_ context.Context, e domain.Event) {
		if e.Name == domain.EventTaskDone {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDone))
	bus.Publish(context.Background(), newEvent(domain.EventChatDelta))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDone))
	bus.Publish(context.Background(), newEvent("billing.invoice"))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscribeCategory(t *testing.T) {
	bus := newTestBus()

	var tasks, generic atomic.Int32
	bus.SubscribeCategory(domain.CategoryTask, func(_ context.Context, _ domain.Event) {
		tasks.Add(1)
	})
	bus.SubscribeCategory(domain.CategoryGeneric, func(_ context.Context, _ domain.Event) {
		generic.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDone))
	bus.Publish(context.Background(), newEvent(domain.EventTaskProgress))
	bus.Publish(context.Background(), newEvent(domain.EventChatMessage))
	bus.Publish(context.Background(), newEvent("billing.invoice"))
	bus.Close()

	if tasks.Load() != 2 {
		t.Fatalf("expected 2 task events, got %d", tasks.Load())
	}
	if generic.Load() != 1 {
		t.Fatalf("expected 1 generic event, got %d", generic.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var named, all atomic.Int32
	unsubNamed := bus.Subscribe(domain.EventTick, func(_ context.Context, _ domain.Event) {
		named.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		all.Add(1)
	})
	keep := bus.Subscribe(domain.EventTick, func(_ context.Context, _ domain.Event) {})
	defer keep()

	unsubNamed()
	unsubAll()
	unsubNamed() // second call is a no-op
	bus.Publish(context.Background(), newEvent(domain.EventTick))
	bus.Close()

	if named.Load() != 0 || all.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got named=%d all=%d", named.Load(), all.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTick, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventTick))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestOrderedPublish(t *testing.T) {
	bus := newTestBus(WithOrdered())

	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.Name)
		mu.Unlock()
	})

	names := []string{"x", "y", "z", "task.done", "tick"}
	for _, n := range names {
		bus.Publish(context.Background(), newEvent(n))
	}
	bus.Close()

	if len(seen) != len(names) {
		t.Fatalf("expected %d events, got %d", len(names), len(seen))
	}
	for i := range names {
		if seen[i] != names[i] {
			t.Fatalf("event %d: got %q, want %q", i, seen[i], names[i])
		}
	}
}

func TestPanicRecovery(t *testing.T) {
	for _, opts := range [][]Option{nil, {WithOrdered()}} {
		bus := newTestBus(opts...)

		var got atomic.Int32
		// First subscriber panics
		bus.Subscribe(domain.EventTaskDone, func(_ context.Context, _ domain.Event) {
			panic("boom")
		})
		// Second subscriber should still fire
		bus.Subscribe(domain.EventTaskDone, func(_ context.Context, _ domain.Event) {
			got.Add(1)
		})

		bus.Publish(context.Background(), newEvent(domain.EventTaskDone))
		bus.Close()

		if got.Load() != 1 {
			t.Fatalf("expected 1 (second handler), got %d", got.Load())
		}
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskDone, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDone))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	// After close, new publishes should be no-ops
	bus.Publish(context.Background(), newEvent(domain.EventTaskDone))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	bus.Close()
}
