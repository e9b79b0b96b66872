// Package unread maintains the aggregate count of conversations that have
// unread messages for the signed-in user.
package unread

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Token marks the point in the delta stream at which a snapshot fetch began.
type Token uint64

// Change is the payload of bus.KindUnreadChanged.
type Change struct {
	Value    int `json:"value"`
	Previous int `json:"previous"`
}

type delta struct {
	seq            uint64
	conversationID string
	counted        bool
}

type snapshot struct {
	token Token
	ids   []string
}

type query struct {
	conversationID string
	reply          chan bool
}

// Counter is an actor owning the set of counted conversations. Every write
// goes through its goroutine and is handed over synchronously, so a write
// that returned is ordered before any later write or query. Value can be
// read from anywhere.
//
// Optimistic deltas are stamped with a sequence number when issued. A
// snapshot carries the sequence number observed when its fetch began, and
// deltas issued at or before that point are dropped once the snapshot has
// been applied, since the fetch already reflects them. Deltas issued after
// it are replayed on top of the snapshot. Snapshots older than the last
// applied one are ignored.
type Counter struct {
	bus *bus.Bus

	seq   atomic.Uint64
	value atomic.Int64

	deltas  chan delta
	snaps   chan snapshot
	queries chan query
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// Owned by run.
	counted  map[string]bool
	lastSnap Token
	snapped  bool
	// pending holds, per conversation, the latest delta newer than lastSnap.
	// Deltas set an absolute state, so the latest one is enough to replay.
	pending map[string]delta
}

// NewCounter creates and starts a counter.
func NewCounter(b *bus.Bus) *Counter {
	c := &Counter{
		bus:     b,
		deltas:  make(chan delta),
		snaps:   make(chan snapshot),
		queries: make(chan query),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		counted: make(map[string]bool),
		pending: make(map[string]delta),
	}
	go c.run()
	return c
}

// Increment counts a conversation. A conversation already counted stays at one.
func (c *Counter) Increment(conversationID string) {
	c.send(delta{seq: c.seq.Add(1), conversationID: conversationID, counted: true})
}

// Decrement uncounts a conversation. Uncounted conversations are ignored, so
// the value never goes negative.
func (c *Counter) Decrement(conversationID string) {
	c.send(delta{seq: c.seq.Add(1), conversationID: conversationID, counted: false})
}

func (c *Counter) send(d delta) {
	select {
	case c.deltas <- d:
	case <-c.quit:
	}
}

// BeginSnapshot must be called before the authoritative fetch starts.
func (c *Counter) BeginSnapshot() Token {
	return Token(c.seq.Load())
}

// Snapshot replaces the counted set with the conversations the server
// reports as unread.
func (c *Counter) Snapshot(t Token, unreadIDs []string) {
	select {
	case c.snaps <- snapshot{token: t, ids: slices.Clone(unreadIDs)}:
	case <-c.quit:
	}
}

// Prime seeds the counter from a persisted checkpoint. It is a snapshot that
// any real snapshot supersedes.
func (c *Counter) Prime(ids []string) {
	c.Snapshot(0, ids)
}

// Value returns the current aggregate.
func (c *Counter) Value() int {
	return int(c.value.Load())
}

// Counted reports whether a conversation is currently counted. It returns
// false after Stop.
func (c *Counter) Counted(conversationID string) bool {
	q := query{conversationID: conversationID, reply: make(chan bool, 1)}
	select {
	case c.queries <- q:
	case <-c.quit:
		return false
	}
	select {
	case v := <-q.reply:
		return v
	case <-c.done:
		return false
	}
}

// Stop ends the actor and waits for it. Pending updates are discarded.
func (c *Counter) Stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Counter) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case d := <-c.deltas:
			c.applyDelta(d)
		case s := <-c.snaps:
			c.applySnapshot(s)
		case q := <-c.queries:
			q.reply <- c.counted[q.conversationID]
		}
	}
}

func (c *Counter) applyDelta(d delta) {
	if c.snapped && Token(d.seq) <= c.lastSnap {
		return
	}
	if prev, ok := c.pending[d.conversationID]; !ok || d.seq > prev.seq {
		c.pending[d.conversationID] = d
	}
	if c.set(d) {
		c.publish()
	}
}

// set applies d to the counted set and reports whether it changed.
func (c *Counter) set(d delta) bool {
	if d.counted == c.counted[d.conversationID] {
		return false
	}
	if d.counted {
		c.counted[d.conversationID] = true
	} else {
		delete(c.counted, d.conversationID)
	}
	return true
}

func (c *Counter) applySnapshot(s snapshot) {
	if c.snapped && s.token < c.lastSnap {
		return
	}
	c.snapped = true
	c.lastSnap = s.token
	clear(c.counted)
	for _, id := range s.ids {
		c.counted[id] = true
	}
	for id, d := range c.pending {
		if Token(d.seq) <= s.token {
			delete(c.pending, id)
			continue
		}
		c.set(d)
	}
	c.publish()
}

func (c *Counter) publish() {
	n := int64(len(c.counted))
	prev := c.value.Swap(n)
	if prev == n || c.bus == nil {
		return
	}
	c.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, Change{Value: int(n), Previous: int(prev)}))
}
