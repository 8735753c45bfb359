// Package bus is the in-process event bus. Lock, mailbox, scheduler,
// registry and turn events all flow through it.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription channel buffer.
const DefaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with one of its
// prefixes.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

// Ch returns the channel to receive events on. It is closed by
// Unsubscribe or Bus.Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the channel buffer of new subscriptions.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// Bus is a topic-prefix pub/sub bus. Delivery never blocks the publisher:
// a subscriber with a full buffer misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a subscription for topics starting with any of the
// given prefixes. No prefix, or an empty one, matches every topic. On a
// closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: append([]string(nil), prefixes...),
		ch:       make(chan Event, b.buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber and returns how
// many received it.
func (b *Bus) Publish(topic string, payload any) int {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are dropped and later
// subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
