package rooms

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// Transport issues fire-and-forget room requests on the push channel.
type Transport interface {
	JoinRoom(room string)
	LeaveRoom(room string)
}

// Tracker keeps the set of rooms the push session believes it has joined and
// moves it to match the active conversation. Not safe for concurrent use.
type Tracker struct {
	transport Transport
	logger    *zap.Logger
	joined    map[string]bool
	active    *chat.Conversation
}

// NewTracker creates a tracker with empty membership.
func NewTracker(t Transport, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		transport: t,
		logger:    logger,
		joined:    make(map[string]bool),
	}
}

// SetActive converges membership to the rooms of conv (nil = none).
// Rooms shared by the previous and the new conversation stay joined.
func (t *Tracker) SetActive(conv *chat.Conversation) {
	var want []string
	if conv != nil {
		c := *conv
		t.active = &c
		want = chat.Rooms(&c)
	} else {
		t.active = nil
	}

	for _, room := range t.Membership() {
		if !slices.Contains(want, room) {
			delete(t.joined, room)
			t.transport.LeaveRoom(room)
			t.logger.Debug("left room", zap.String("room", room))
		}
	}
	for _, room := range want {
		if t.joined[room] {
			continue
		}
		t.joined[room] = true
		t.transport.JoinRoom(room)
		t.logger.Debug("joined room", zap.String("room", room))
	}
}

// Reset forgets all membership. Called when the connection drops, since the
// server discards membership along with the socket.
func (t *Tracker) Reset() {
	clear(t.joined)
}

// Rejoin re-issues joins for the active conversation after a reconnect.
func (t *Tracker) Rejoin() {
	t.SetActive(t.active)
}

// Active returns the ID of the active conversation, or "".
func (t *Tracker) Active() string {
	if t.active == nil {
		return ""
	}
	return t.active.ID
}

// Covers reports whether events addressed to room are ours.
func (t *Tracker) Covers(room string) bool {
	return t.joined[room]
}

// Membership returns the joined rooms in sorted order.
func (t *Tracker) Membership() []string {
	out := make([]string, 0, len(t.joined))
	for room := range t.joined {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}
