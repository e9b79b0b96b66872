package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const pollInterval = 500 * time.Millisecond

// MessagePoster posts a message to the backend.
type MessagePoster interface {
	SendMessage(ctx context.Context, conversationID string, req rest.SendRequest) (*chat.Message, error)
}

// Ack is the payload of bus.KindSendAck.
type Ack struct {
	ClientID       string       `json:"client_id"`
	ConversationID string       `json:"conversation_id"`
	Message        chat.Message `json:"message"`
}

// Failure is the payload of bus.KindSendFailed.
type Failure struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

// Sender drains the outbox and posts messages through the REST API.
type Sender struct {
	db      *store.DB
	poster  MessagePoster
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, poster MessagePoster, b *bus.Bus, timeout time.Duration, logger *zap.Logger) *Sender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		poster:  poster,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		kick:    make(chan struct{}, 1),
	}
}

// Start requeues entries interrupted by a previous run and begins draining
// the outbox.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RecoverOutbox(); err != nil {
		s.logger.Error("failed to recover outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop stops the sender loop and waits for an in-flight send to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Kick wakes the sender without waiting for the next poll.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.kick:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_id", entry.ClientID))
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		msg, err := s.poster.SendMessage(sendCtx, entry.ConversationID, rest.SendRequest{
			ClientID: entry.ClientID,
			Content:  entry.Content,
			Kind:     chat.MessageKind(entry.Kind),
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// Shutting down; RecoverOutbox requeues it on the next start.
				return
			}
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_id", entry.ClientID))
			if err := s.db.MarkOutboxFailed(entry.ClientID, err.Error()); err != nil {
				s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_id", entry.ClientID))
			}
			s.bus.Publish(bus.NewEvent(bus.KindSendFailed, Failure{
				ClientID:       entry.ClientID,
				ConversationID: entry.ConversationID,
				Error:          err.Error(),
			}))
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientID, msg.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_id", entry.ClientID))
		}
		if msg.ConversationID == "" {
			msg.ConversationID = entry.ConversationID
		}

		s.logger.Info("message sent", zap.String("client_id", entry.ClientID), zap.String("server_msg_id", msg.ID))
		s.bus.Publish(bus.NewEvent(bus.KindSendAck, Ack{
			ClientID:       entry.ClientID,
			ConversationID: entry.ConversationID,
			Message:        *msg,
		}))
	}
}
