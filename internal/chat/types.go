package chat

import "time"

// ConversationKind distinguishes one-to-one threads from group-backed ones.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageImage  MessageKind = "image"
	MessageSystem MessageKind = "system"
)

// DeliveryStatus tracks the local lifecycle of a message.
type DeliveryStatus string

const (
	StatusReceived DeliveryStatus = "received"
	StatusSending  DeliveryStatus = "sending"
	StatusSent     DeliveryStatus = "sent"
	StatusFailed   DeliveryStatus = "failed"
)

// Conversation is a conversation summary as seen by the signed-in user.
//
// UnreadCount counts unread messages in this conversation. It is not the
// same quantity as the aggregate counter, which counts conversations.
type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Title         string           `json:"title,omitempty"`
	GroupID       string           `json:"group_id,omitempty"`
	Participants  []string         `json:"participants"`
	LastMessage   *Message         `json:"last_message,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UnreadCount   int              `json:"unread_count"`
}

// SortKey returns the timestamp used to order the conversation list.
func (c *Conversation) SortKey() time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

// ReadReceipt records that a user has viewed a message.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is a single chat message.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content"`
	Kind           MessageKind       `json:"kind"`
	CreatedAt      time.Time         `json:"created_at"`
	ReadBy         []ReadReceipt     `json:"read_by,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	Status         DeliveryStatus    `json:"-"`
}

// Clone returns a deep copy so callers outside the event loop never share
// mutable slices or maps with the store.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.ReadBy != nil {
		out.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return &out
}

// ReadByUser reports whether the given user has a receipt on this message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Before reports whether m sorts strictly before o: by CreatedAt, ties by ID.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Preview truncates content for notifications and list previews.
func (m *Message) Preview(maxLen int) string {
	r := []rune(m.Content)
	if len(r) <= maxLen {
		return m.Content
	}
	return string(r[:maxLen])
}

// Reaction is a single user's emoji on a message.
type Reaction struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

// ReadUpdate is a receipt pushed by the server.
type ReadUpdate struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

// TypingSignal announces that a user started or stopped typing.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}
