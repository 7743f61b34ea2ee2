// Package eventbus implements a typed broadcast channel: every
// subscriber receives every event published on its bus, in the order
// the publisher observed them, and a slow subscriber never causes an
// event to be dropped.
//
// A typed (generic) bus per event kind instead of a single
// string-topic bus.
package eventbus

import "sync"

// Bus is a typed, unbounded-buffer publish/subscribe channel for events
// of type T. Publication is non-blocking for the publisher; each
// subscription owns its own growing queue so a slow subscriber cannot
// stall the publisher or other subscribers.
type Bus[T any] struct {
	mu   sync.Mutex
	subs map[int]*subscription[T]
	next int
}

type subscription[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	closed  bool
}

// New creates an empty, ready-to-use bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]*subscription[T])}
}

// Publish fans an event out to every current subscriber. It never blocks
// on a slow subscriber: each subscriber's queue grows as needed.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	subs := make([]*subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(event)
	}
}

// Subscription is a lazy, ordered sequence of events delivered to one
// subscriber.
type Subscription[T any] struct {
	bus *Bus[T]
	id  int
	sub *subscription[T]
}

// Subscribe registers a new subscriber and returns its handle. Call
// Next in a loop to consume events in publication order; call Close when
// done to release the subscriber's queue.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &subscription[T]{}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	return &Subscription[T]{bus: b, id: id, sub: s}
}

// Next blocks until the next event arrives (in the order the publisher
// observed) or the subscription is closed, in which case ok is false.
func (s *Subscription[T]) Next() (event T, ok bool) {
	sub := s.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()

	for len(sub.queue) == 0 && !sub.closed {
		sub.cond.Wait()
	}
	if len(sub.queue) == 0 && sub.closed {
		var zero T
		return zero, false
	}

	event = sub.queue[0]
	sub.queue = sub.queue[1:]
	return event, true
}

// Close releases the subscription; any blocked or future Next call
// returns ok=false.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.sub.mu.Lock()
	s.sub.closed = true
	s.sub.mu.Unlock()
	s.sub.cond.Broadcast()
}

func (s *subscription[T]) push(event T) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.cond.Signal()
}
