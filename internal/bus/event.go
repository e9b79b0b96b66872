package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix before the dot.
const (
	KindConnStateChanged = "conn.state_changed"
	KindConnected        = "conn.connected"
	KindDisconnected     = "conn.disconnected"
	KindAuthError        = "conn.auth_error"

	KindNewMessage   = "push.new_message"
	KindReaction     = "push.message_reaction"
	KindReadUpdate   = "push.message_read_update"
	KindTyping       = "push.typing"
	KindCredsRotated = "push.credentials_rotated"

	KindSendAck    = "outbox.send_ack"
	KindSendFailed = "outbox.send_failed"

	KindUnreadChanged = "unread.changed"
	KindNotification  = "notify.message"
	KindTypingChanged = "view.typing_changed"
	KindViewUpdated   = "view.updated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
