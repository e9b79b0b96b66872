package sync

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/receipts"
)

// View is a consistent copy of the engine's state for rendering.
type View struct {
	Active        string
	Focused       bool
	Conversations []chat.Conversation
	Messages      []chat.Message
	HasMore       bool
	Typing        []string
	Rooms         []string
	ReadState     receipts.State
	// Unread is the aggregate number of conversations with unread
	// messages, not a message count.
	Unread int
}

// View returns the current state.
func (e *Engine) View(ctx context.Context) (View, error) {
	var v View
	err := e.do(ctx, func() {
		v = View{
			Active:        e.active,
			Focused:       e.focused,
			Conversations: e.list.Snapshot(),
			Messages:      e.msgs.List(),
			HasMore:       e.hasMore,
			Rooms:         e.rooms.Membership(),
			ReadState:     e.receipts.State(),
		}
		if e.active != "" {
			v.Typing = e.typingIn.Users(e.active, time.Now())
		}
	})
	if err != nil {
		return View{}, err
	}
	v.Unread = e.counter.Value()
	return v, nil
}

// UserID returns the signed-in user the engine acts for.
func (e *Engine) UserID() string { return e.cfg.UserID }

// Conversation returns one conversation summary.
func (e *Engine) Conversation(ctx context.Context, id string) (chat.Conversation, bool, error) {
	var (
		conv chat.Conversation
		ok   bool
	)
	err := e.do(ctx, func() { conv, ok = e.list.Get(id) })
	return conv, ok, err
}
