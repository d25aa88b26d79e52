package gateway

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"agentgw/internal/domain"
)

// Router fans push events out to subscribers. Dispatch never blocks: every
// subscription owns an unbounded outbox. A Router belongs to one Conn and is
// sealed by EndAll.
type Router struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	sealed bool
	logger *slog.Logger
}

// NewRouter returns a router with no subscribers.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a subscriber for the given raw event names. No names
// means every event.
func (r *Router) Subscribe(names ...string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, domain.ErrNotConnected
	}
	r.nextID++
	sub := newSubscription(r.nextID, names)
	sub.detach = func() { r.remove(sub.id) }
	r.subs[sub.id] = sub
	return sub, nil
}

// Dispatch queues ev on every matching subscriber and returns how many
// received it.
func (r *Router) Dispatch(ev domain.Event) int {
	if ev.Category() == domain.CategoryGeneric {
		r.logger.Debug("gateway: delivering event under generic category", "event", ev.Name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, sub := range r.subs {
		if sub.matches(ev.Name) && sub.push(ev) {
			delivered++
		}
	}
	return delivered
}

// EndAll delivers end-of-stream to every subscriber, clears the table and
// seals the router. It returns the number of subscriptions ended.
func (r *Router) EndAll() int {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[uint64]*Subscription)
	r.sealed = true
	r.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
	return len(subs)
}

// Len returns the number of attached subscribers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Router) remove(id uint64) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Subscription is a live stream of push events. Events are yielded in the
// order the reader received them; after a disconnect the queued backlog is
// drained and then the stream ends.
type Subscription struct {
	id     uint64
	filter map[string]struct{}

	mu     sync.Mutex
	queue  []domain.Event
	ended  bool
	notify chan struct{} // capacity 1, signals queue or ended changes
	doneCh chan struct{} // closed at end-of-stream

	detach     func()
	detachOnce sync.Once
}

func newSubscription(id uint64, names []string) *Subscription {
	s := &Subscription{
		id:     id,
		notify: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	if len(names) > 0 {
		s.filter = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.filter[n] = struct{}{}
		}
	}
	return s
}

func (s *Subscription) matches(name string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[name]
	return ok
}

func (s *Subscription) push(ev domain.Event) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

// end marks end-of-stream. Only the first call has an effect.
func (s *Subscription) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	close(s.doneCh)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event. ok is false once the stream has ended and its
// backlog is drained, or when ctx is done; check ctx.Err to tell them apart.
func (s *Subscription) Next(ctx context.Context) (ev domain.Event, ok bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev = s.queue[0]
			s.queue[0] = domain.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		ended := s.ended
		s.mu.Unlock()

		if ended {
			s.detachOnce.Do(s.runDetach)
			return domain.Event{}, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return domain.Event{}, false
		}
	}
}

// All iterates events until end-of-stream or ctx is done.
func (s *Subscription) All(ctx context.Context) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		for {
			ev, ok := s.Next(ctx)
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Close detaches the subscription and ends its stream. Events already queued
// are discarded.
func (s *Subscription) Close() {
	s.detachOnce.Do(s.runDetach)
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.end()
}

// Done is closed when the stream ends, either by disconnect or Close.
func (s *Subscription) Done() <-chan struct{} { return s.doneCh }

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) runDetach() {
	if s.detach != nil {
		s.detach()
	}
}
