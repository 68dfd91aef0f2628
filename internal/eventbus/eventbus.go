// Package eventbus provides a typed in-process publish/subscribe bus.
//
// Every subscription is a buffered channel plus an explicit Unsubscribe handle.
// Publishing never blocks: a subscriber whose buffer is full misses the event,
// so consumers that must not miss state rely on snapshot queries.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the channel capacity used when Subscribe is given zero.
const DefaultBufferSize = 64

// Bus fans events of type T out to subscribers.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription[T]
	nextID int64
	closed bool
	drops  atomic.Int64
}

// Subscription is a live registration on a Bus.
type Subscription[T any] struct {
	id     int64
	bus    *Bus[T]
	stream chan T
	once   sync.Once
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int64]*Subscription[T])}
}

// Subscribe registers a subscriber with the given buffer size.
// Subscribing to a closed bus returns a subscription whose channel is closed.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription[T]{id: b.nextID, bus: b, stream: make(chan T, buffer)}
	if b.closed {
		sub.once.Do(func() { close(sub.stream) })
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Handle runs fn for every event on a dedicated goroutine until the returned
// subscription is unsubscribed or the bus is closed.
func (b *Bus[T]) Handle(fn func(T)) *Subscription[T] {
	sub := b.Subscribe(0)
	go func() {
		for ev := range sub.stream {
			fn(ev)
		}
	}()
	return sub
}

// Publish delivers ev to every subscriber with buffer space.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.stream <- ev:
		default:
			b.drops.Add(1)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus[T]) Dropped() int64 {
	return b.drops.Load()
}

// Close unsubscribes everyone. Later publishes are discarded.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.stream) })
	}
}

// C returns the event channel. It is closed after Unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.stream
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.stream) })
}
