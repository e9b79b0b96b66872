// Package conversations maintains the ordered conversation summaries shown
// in the sidebar. A List is owned by a single goroutine.
package conversations

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Upsert describes the effect of a message on its conversation.
type Upsert struct {
	Found bool
	// BecameUnread is true when UnreadCount moved from 0 to 1.
	BecameUnread bool
	UnreadCount  int
	Resorted     bool
}

// List is ordered by SortKey descending; ties keep their relative order.
type List struct {
	items []*chat.Conversation
	index map[string]int
}

// New creates an empty list.
func New() *List {
	return &List{index: make(map[string]int)}
}

// Seed replaces the list with a fetched set of conversations.
func (l *List) Seed(convs []chat.Conversation) {
	l.items = make([]*chat.Conversation, 0, len(convs))
	seen := make(map[string]bool, len(convs))
	for i := range convs {
		c := convs[i]
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		l.items = append(l.items, &c)
	}
	l.sort()
}

func (l *List) sort() {
	slices.SortStableFunc(l.items, func(a, b *chat.Conversation) int {
		return b.SortKey().Compare(a.SortKey())
	})
	l.reindex()
}

func (l *List) reindex() {
	clear(l.index)
	for i, c := range l.items {
		l.index[c.ID] = i
	}
}

// needsResort reports whether the entry at i now outranks its predecessor.
// Only entries that moved forward in time can change rank, and the head
// can never move further up, so most updates to a busy conversation skip
// the sort entirely.
func (l *List) needsResort(i int) bool {
	if i == 0 {
		return false
	}
	return l.items[i].SortKey().After(l.items[i-1].SortKey())
}

// UpsertFromMessage folds msg into its conversation. Messages for unknown
// conversations are ignored. The caller must deduplicate messages.
func (l *List) UpsertFromMessage(msg *chat.Message, me, activeID string) Upsert {
	i, ok := l.index[msg.ConversationID]
	if !ok {
		return Upsert{}
	}
	c := l.items[i]
	res := Upsert{Found: true}

	if !msg.CreatedAt.Before(c.LastMessageAt) {
		c.LastMessage = msg.Clone()
		c.LastMessageAt = msg.CreatedAt
	}
	if msg.SenderID != me && msg.ConversationID != activeID {
		c.UnreadCount++
		res.BecameUnread = c.UnreadCount == 1
	}
	res.UnreadCount = c.UnreadCount

	if l.needsResort(i) {
		l.sort()
		res.Resorted = true
	}
	return res
}

// SetUnread overwrites a conversation's unread count. Returns the previous
// value and whether the conversation exists.
func (l *List) SetUnread(id string, n int) (int, bool) {
	i, ok := l.index[id]
	if !ok {
		return 0, false
	}
	if n < 0 {
		n = 0
	}
	prev := l.items[i].UnreadCount
	l.items[i].UnreadCount = n
	return prev, true
}

// Get returns a copy of a conversation.
func (l *List) Get(id string) (chat.Conversation, bool) {
	i, ok := l.index[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return *l.items[i], true
}

// Len returns the number of conversations.
func (l *List) Len() int {
	return len(l.items)
}

// Snapshot returns the conversations in display order.
func (l *List) Snapshot() []chat.Conversation {
	out := make([]chat.Conversation, len(l.items))
	for i, c := range l.items {
		out[i] = *c
	}
	return out
}

// UnreadIDs returns IDs of conversations with at least one unread message.
func (l *List) UnreadIDs() []string {
	var ids []string
	for _, c := range l.items {
		if c.UnreadCount > 0 {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
