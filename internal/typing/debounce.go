// Package typing handles typing indicators in both directions: a debouncer
// for the local user's keystrokes and a tracker for remote users' signals.
package typing

import (
	"sync"
	"time"
)

// DefaultGap is the idle gap after which a typing burst is considered over.
const DefaultGap = time.Second

// EmitFunc receives debounced transitions. It is called with the debouncer's
// lock held and must not call back into the Debouncer.
type EmitFunc func(conversationID string, isTyping bool)

// Debouncer collapses keystroke-driven Set calls into at most one started and
// one stopped transition per burst.
type Debouncer struct {
	mu     sync.Mutex
	gap    time.Duration
	emit   EmitFunc
	timers map[string]*time.Timer
	gen    map[string]uint64
	closed bool
}

// NewDebouncer creates a debouncer. A non-positive gap uses DefaultGap.
func NewDebouncer(gap time.Duration, emit EmitFunc) *Debouncer {
	if gap <= 0 {
		gap = DefaultGap
	}
	return &Debouncer{
		gap:    gap,
		emit:   emit,
		timers: make(map[string]*time.Timer),
		gen:    make(map[string]uint64),
	}
}

// Set records local typing activity. Repeated true calls only push the
// stop deadline out; the started transition is emitted once.
func (d *Debouncer) Set(conversationID string, isTyping bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if !isTyping {
		d.stopLocked(conversationID)
		return
	}

	if t, ok := d.timers[conversationID]; ok {
		t.Reset(d.gap)
		return
	}
	d.gen[conversationID]++
	gen := d.gen[conversationID]
	d.timers[conversationID] = time.AfterFunc(d.gap, func() {
		d.expire(conversationID, gen)
	})
	d.emit(conversationID, true)
}

// Flush ends any burst in progress for the conversation.
func (d *Debouncer) Flush(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.stopLocked(conversationID)
}

// Active reports whether a started transition is outstanding.
func (d *Debouncer) Active(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[conversationID]
	return ok
}

// Stop cancels all timers without emitting. No callback fires after Stop.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Debouncer) stopLocked(conversationID string) {
	t, ok := d.timers[conversationID]
	if !ok {
		return
	}
	t.Stop()
	delete(d.timers, conversationID)
	d.gen[conversationID]++
	d.emit(conversationID, false)
}

// expire runs on the timer goroutine. The generation check discards fires
// that raced with a Flush or a new burst.
func (d *Debouncer) expire(conversationID string, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.gen[conversationID] != gen {
		return
	}
	if _, ok := d.timers[conversationID]; !ok {
		return
	}
	delete(d.timers, conversationID)
	d.gen[conversationID]++
	d.emit(conversationID, false)
}
