// Package messages holds the ordered, deduplicated message stream of the
// currently open conversation. A Store is owned by a single goroutine.
package messages

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Store keeps messages sorted by (CreatedAt, ID) with unique IDs.
type Store struct {
	conversationID string
	msgs           []*chat.Message
	byID           map[string]*chat.Message
}

// New creates an empty store.
func New() *Store {
	return &Store{byID: make(map[string]*chat.Message)}
}

// ConversationID returns the conversation the store was last seeded for.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Seed replaces the visible set with a server-provided page.
func (s *Store) Seed(conversationID string, msgs []chat.Message) {
	s.conversationID = conversationID
	s.msgs = s.msgs[:0]
	clear(s.byID)
	for i := range msgs {
		s.Ingest(&msgs[i])
	}
}

// Reset empties the store when no conversation is open.
func (s *Store) Reset() {
	s.Seed("", nil)
}

// Ingest inserts msg if its ID is not present. Returns false for duplicates
// and for messages that belong to another conversation.
func (s *Store) Ingest(msg *chat.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if s.conversationID != "" && msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		return false
	}
	if _, ok := s.byID[msg.ID]; ok {
		return false
	}
	m := msg.Clone()
	if m.Status == "" {
		m.Status = chat.StatusReceived
	}
	s.insert(m)
	return true
}

// insert places m at its sorted position. Inbound events are usually near
// the tail so the binary search rarely moves far.
func (s *Store) insert(m *chat.Message) {
	i, _ := slices.BinarySearchFunc(s.msgs, m, compare)
	s.msgs = slices.Insert(s.msgs, i, m)
	s.byID[m.ID] = m
}

func (s *Store) remove(id string) {
	m, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if i, found := slices.BinarySearchFunc(s.msgs, m, compare); found {
		s.msgs = slices.Delete(s.msgs, i, i+1)
	}
}

func compare(a, b *chat.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Replace swaps a locally created message for its server copy. If the server
// copy already arrived (e.g. via push) the local one is simply dropped.
func (s *Store) Replace(localID string, server *chat.Message) {
	s.remove(localID)
	if server == nil {
		return
	}
	if existing, ok := s.byID[server.ID]; ok {
		existing.Status = chat.StatusSent
		return
	}
	m := server.Clone()
	m.Status = chat.StatusSent
	if s.conversationID == "" || m.ConversationID == s.conversationID {
		s.insert(m)
	}
}

// SetStatus updates the delivery status of a message. Returns false if absent.
func (s *Store) SetStatus(id string, st chat.DeliveryStatus) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	m.Status = st
	return true
}

// ApplyReaction sets user's reaction on a message, replacing any prior one.
// An empty emoji removes the user's reaction.
func (s *Store) ApplyReaction(messageID, userID, emoji string) bool {
	m, ok := s.byID[messageID]
	if !ok {
		return false
	}
	if emoji == "" {
		if _, had := m.Reactions[userID]; !had {
			return false
		}
		delete(m.Reactions, userID)
		return true
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if m.Reactions[userID] == emoji {
		return false
	}
	m.Reactions[userID] = emoji
	return true
}

// SetReactions replaces the reaction set with the server's view.
func (s *Store) SetReactions(messageID string, reactions map[string]string) bool {
	m, ok := s.byID[messageID]
	if !ok {
		return false
	}
	m.Reactions = make(map[string]string, len(reactions))
	for k, v := range reactions {
		m.Reactions[k] = v
	}
	return true
}

// ApplyReadReceipt appends a receipt unless the user already has one.
func (s *Store) ApplyReadReceipt(messageID, userID string, readAt time.Time) bool {
	m, ok := s.byID[messageID]
	if !ok || m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, chat.ReadReceipt{UserID: userID, ReadAt: readAt})
	return true
}

// Unread returns IDs of messages from other users that userID has not read.
func (s *Store) Unread(userID string) []string {
	var ids []string
	for _, m := range s.msgs {
		if m.SenderID != userID && m.Status == chat.StatusReceived && !m.ReadByUser(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Get returns a copy of a message.
func (s *Store) Get(id string) (*chat.Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Has reports whether a message is present.
func (s *Store) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Oldest returns the earliest visible message, or nil.
func (s *Store) Oldest() *chat.Message {
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[0].Clone()
}

// Len returns the number of visible messages.
func (s *Store) Len() int {
	return len(s.msgs)
}

// List returns a copy of the visible sequence in order.
func (s *Store) List() []chat.Message {
	out := make([]chat.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, *m.Clone())
	}
	return out
}
