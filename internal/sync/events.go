package sync

import (
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/push"
	"go.uber.org/zap"
)

// View change reasons.
const (
	ReasonConversations = "conversations"
	ReasonSelected      = "selected"
	ReasonLoaded        = "loaded"
	ReasonClosed        = "closed"
	ReasonMessage       = "message"
	ReasonReaction      = "reaction"
	ReasonRead          = "read"
)

// ViewChange is the payload of bus.KindViewUpdated.
type ViewChange struct {
	Reason         string `json:"reason"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// TypingChange is the payload of bus.KindTypingChanged.
type TypingChange struct {
	ConversationID string   `json:"conversation_id"`
	Users          []string `json:"users"`
}

func (e *Engine) publishView(reason, conversationID string) {
	e.bus.Publish(bus.NewEvent(bus.KindViewUpdated, ViewChange{Reason: reason, ConversationID: conversationID}))
}

func (e *Engine) publishTyping(conversationID string) {
	e.bus.Publish(bus.NewEvent(bus.KindTypingChanged, TypingChange{
		ConversationID: conversationID,
		Users:          e.typingIn.Users(conversationID, time.Now()),
	}))
}

// admit reports whether an event delivered to room concerns this client.
// Events without a room are addressed to the user and always apply.
func (e *Engine) admit(kind, room string) bool {
	if room == "" || e.rooms.Covers(room) {
		return true
	}
	e.logger.Debug("dropping event for unjoined room", zap.String("kind", kind), zap.String("room", room))
	return false
}

func (e *Engine) handlePush(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case push.NewMessage:
		if e.admit(evt.Kind, p.Room) {
			e.onNewMessage(p.Data)
		}
	case push.Reaction:
		if e.admit(evt.Kind, p.Room) {
			e.onReaction(p.Data)
		}
	case push.ReadUpdate:
		if e.admit(evt.Kind, p.Room) {
			e.onReadUpdate(p.Data)
		}
	case push.Typing:
		if e.admit(evt.Kind, p.Room) {
			e.onTyping(p.Data)
		}
	}
}

func (e *Engine) onNewMessage(m chat.Message) {
	if m.ID == "" || m.ConversationID == "" || !e.remember(m.ID) {
		return
	}
	me := e.cfg.UserID
	active := m.ConversationID == e.active

	if active {
		e.msgs.Ingest(&m)
		if e.typingIn.OnSignal(m.ConversationID, m.SenderID, false, time.Now()) {
			e.publishTyping(m.ConversationID)
		}
	}

	up := e.list.UpsertFromMessage(&m, me, e.active)
	if !up.Found {
		e.reconciler.Trigger("unknown conversation")
	} else if !active && m.SenderID != me {
		e.counter.Increment(m.ConversationID)
	}

	if m.SenderID != me {
		if active {
			e.receipts.MessageArrived(m.ConversationID, m.ID)
		}
		if !active || !e.focused {
			e.sink.Notify(e.ctx, notify.FromMessage(&m))
		}
	}
	e.publishView(ReasonMessage, m.ConversationID)
}

func (e *Engine) onReaction(r chat.Reaction) {
	if r.ConversationID != "" && r.ConversationID != e.active {
		return
	}
	if e.msgs.ApplyReaction(r.MessageID, r.UserID, r.Emoji) {
		e.publishView(ReasonReaction, e.active)
	}
}

func (e *Engine) onReadUpdate(u chat.ReadUpdate) {
	if u.ConversationID == e.active {
		readAt := u.ReadAt
		if readAt.IsZero() {
			readAt = time.Now()
		}
		if e.msgs.ApplyReadReceipt(u.MessageID, u.UserID, readAt) {
			e.publishView(ReasonRead, e.active)
		}
		return
	}
	// Read on another device.
	if u.UserID == e.cfg.UserID {
		if conv, ok := e.list.Get(u.ConversationID); ok && conv.UnreadCount > 0 {
			e.reconciler.Trigger("read elsewhere")
		}
	}
}

func (e *Engine) onTyping(s chat.TypingSignal) {
	if s.UserID == e.cfg.UserID {
		return
	}
	if e.typingIn.OnSignal(s.ConversationID, s.UserID, s.IsTyping, time.Now()) {
		e.publishTyping(s.ConversationID)
	}
}

func (e *Engine) handleConn(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnected:
		// The server forgets membership with the connection.
		e.rooms.Reset()
		e.rooms.Rejoin()
		e.reconciler.Trigger("connected")
		e.refreshActive()
	case bus.KindDisconnected:
		e.rooms.Reset()
	case bus.KindAuthError:
		e.logger.Warn("push authentication rejected", zap.Any("reason", evt.Payload))
	}
}

// refreshActive refetches the latest page of the open conversation in the
// background.
func (e *Engine) refreshActive() {
	if e.active == "" {
		return
	}
	id, gen := e.active, e.gen
	go func() {
		if err := e.load(e.ctx, id, gen, false); err != nil {
			e.logger.Warn("failed to refresh open conversation", zap.Error(err))
		}
	}()
}

func (e *Engine) handleOutbox(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case outbox.Ack:
		msg := p.Message
		if p.ConversationID == e.active {
			e.msgs.Replace(p.ClientID, &msg)
		}
		if e.remember(msg.ID) {
			e.list.UpsertFromMessage(&msg, e.cfg.UserID, e.active)
		}
		e.publishView(ReasonMessage, p.ConversationID)
	case outbox.Failure:
		if p.ConversationID == e.active && e.msgs.SetStatus(p.ClientID, chat.StatusFailed) {
			e.publishView(ReasonMessage, p.ConversationID)
		}
	}
}

// receiptEffects applies read-mark outcomes to the loop-owned state.
type receiptEffects struct {
	e *Engine
}

func (r receiptEffects) UnreadMessages(conversationID string) []string {
	if r.e.msgs.ConversationID() != conversationID {
		return nil
	}
	return r.e.msgs.Unread(r.e.cfg.UserID)
}

func (r receiptEffects) MarkedAll(conversationID string) {
	e := r.e
	if e.msgs.ConversationID() == conversationID {
		now := time.Now()
		for _, id := range e.msgs.Unread(e.cfg.UserID) {
			e.msgs.ApplyReadReceipt(id, e.cfg.UserID, now)
		}
	}
	e.list.SetUnread(conversationID, 0)
	e.counter.Decrement(conversationID)
	e.reconciler.Trigger("marked read")
	e.publishView(ReasonRead, conversationID)
}

func (r receiptEffects) MarkedMessage(conversationID, messageID string) {
	e := r.e
	if e.msgs.ConversationID() != conversationID {
		return
	}
	if e.msgs.ApplyReadReceipt(messageID, e.cfg.UserID, time.Now()) {
		e.publishView(ReasonRead, conversationID)
	}
}

// FallbackDone leaves the conversation unread by the number of messages that
// could not be marked; the reconcile corrects it from the server's view.
// When nothing was attempted the unread messages are outside the loaded page
// and the local state is left for the reconcile to settle.
func (r receiptEffects) FallbackDone(conversationID string, marked, failed int) {
	e := r.e
	e.logger.Info("per-message read fallback finished",
		zap.String("conversation_id", conversationID),
		zap.Int("marked", marked),
		zap.Int("failed", failed),
	)
	if conv, ok := e.list.Get(conversationID); ok && marked+failed == 0 && conv.UnreadCount > 0 {
		e.reconciler.Trigger("read fallback")
		return
	}
	e.list.SetUnread(conversationID, failed)
	if failed == 0 {
		e.counter.Decrement(conversationID)
	}
	e.reconciler.Trigger("read fallback")
	e.publishView(ReasonRead, conversationID)
}
