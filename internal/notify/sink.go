// Package notify defines the contract for rendering notifications about
// messages the user is not looking at.
package notify

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// PreviewLength is the maximum number of runes in a notification preview.
const PreviewLength = 80

// Notification is the trigger for a new inbound message.
type Notification struct {
	ConversationID string           `json:"conversation_id"`
	SenderID       string           `json:"sender_id"`
	Preview        string           `json:"preview"`
	Kind           chat.MessageKind `json:"kind"`
}

// FromMessage builds the notification for a message.
func FromMessage(m *chat.Message) Notification {
	return Notification{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Preview:        sanitizePreview(m.Preview(PreviewLength)),
		Kind:           m.Kind,
	}
}

// Sink renders notifications. Implementations must not block the caller for
// long; the engine calls Notify from its loop.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogSink writes notifications to the log.
type LogSink struct {
	Logger *zap.Logger
}

// Notify logs n.
func (s LogSink) Notify(_ context.Context, n Notification) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info("notification",
		zap.String("conversation_id", n.ConversationID),
		zap.String("sender_id", n.SenderID),
		zap.String("kind", string(n.Kind)),
		zap.String("preview", n.Preview),
	)
}

// BusSink publishes notifications as bus.KindNotification so control clients
// can render them.
type BusSink struct {
	Bus *bus.Bus
}

// Notify publishes n.
func (s BusSink) Notify(_ context.Context, n Notification) {
	if s.Bus != nil {
		s.Bus.Publish(bus.NewEvent(bus.KindNotification, n))
	}
}

// Multi fans a notification out to several sinks.
type Multi []Sink

// Notify calls every sink in order.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}
