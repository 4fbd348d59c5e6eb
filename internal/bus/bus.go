// Package bus is the in-process fan-out for pass results and config
// reloads. Delivery never blocks a publisher: a subscriber whose buffer is
// full loses the event and its Dropped count grows.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription queue length used by Subscribe.
const DefaultBuffer = 64

// Event is one published message.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the receive side. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers interest in topics starting with prefix. An empty
// prefix receives everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.SubscribeBuffered(prefix, DefaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit queue length. After
// Close it returns a subscription whose channel is already closed.
func (b *Bus) SubscribeBuffered(prefix string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{prefix: prefix, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers payload to every matching subscriber and returns how
// many accepted it.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, At: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// Close closes every subscription. Later publishes go nowhere.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
