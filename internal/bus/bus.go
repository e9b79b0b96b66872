package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Once closed, Publish is a no-op and every subscription channel is closed,
// so no listener can observe an event after teardown.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	closed bool
}

type subscription struct {
	namespace string
	ch        chan Event
	// overflow, if set, is signalled when an event is dropped.
	overflow chan struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
				if sub.overflow != nil {
					select {
					case sub.overflow <- struct{}{}:
					default:
					}
				}
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix
// and a disposer that removes the subscription and closes the channel. The disposer
// is safe to call more than once and after Close.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{namespace: namespace, ch: make(chan Event, bufSize)}
	return sub.ch, b.add(sub)
}

// SubscribeLossy is Subscribe for listeners that must recover from drops.
// The overflow channel receives a signal after one or more events were
// dropped; signals coalesce until it is drained. Both channels are closed by
// the disposer.
func (b *Bus) SubscribeLossy(namespace string, bufSize int) (events <-chan Event, overflow <-chan struct{}, unsubscribe func()) {
	sub := &subscription{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
		overflow:  make(chan struct{}, 1),
	}
	return sub.ch, sub.overflow, b.add(sub)
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			sub.close()
		}
	}
}

func (s *subscription) close() {
	close(s.ch)
	if s.overflow != nil {
		close(s.overflow)
	}
}

// Close disposes every subscription. Later Subscribe calls return closed channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}
