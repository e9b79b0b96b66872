// Package receipts decides when the active conversation is marked read and
// performs the mark, falling back to per-message marks when the batch call
// fails.
package receipts

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSettleDelay is how long a conversation must stay active before it
// is marked read.
const DefaultSettleDelay = 750 * time.Millisecond

// State is the mark-read state of the active conversation.
type State string

const (
	Idle               State = "idle"
	PendingMark        State = "pending_mark"
	Marking            State = "marking"
	PerMessageFallback State = "per_message_fallback"
	Marked             State = "marked"
)

// Marker performs the server-side read marks.
type Marker interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
	MarkMessageRead(ctx context.Context, messageID string) error
}

// Effects applies the outcome of marks to local state. All methods are
// called on the owning loop.
type Effects interface {
	// UnreadMessages lists the active conversation's messages from other
	// users that the signed-in user has not read.
	UnreadMessages(conversationID string) []string
	// MarkedAll runs after a successful conversation-level mark.
	MarkedAll(conversationID string)
	// MarkedMessage runs after each successful per-message mark.
	MarkedMessage(conversationID, messageID string)
	// FallbackDone runs once every per-message mark has been attempted.
	FallbackDone(conversationID string, marked, failed int)
}

// Config tunes the coordinator.
type Config struct {
	SettleDelay    time.Duration
	RequestTimeout time.Duration
}

// Coordinator runs the read-mark state machine for the active conversation.
// Its methods must be called from a single loop goroutine; post schedules a
// function onto that loop and is the only way background work re-enters.
type Coordinator struct {
	marker  Marker
	effects Effects
	post    func(func())
	cfg     Config
	logger  *zap.Logger

	active string
	state  State
	gen    uint64
	timer  *time.Timer
}

// New creates a coordinator.
func New(m Marker, e Effects, post func(func()), cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		marker:  m,
		effects: e,
		post:    post,
		cfg:     cfg,
		logger:  logger,
		state:   Idle,
	}
}

// Active returns the conversation the coordinator is tracking.
func (c *Coordinator) Active() string { return c.active }

// State returns the state of the active conversation.
func (c *Coordinator) State() State { return c.state }

// Activate switches to a conversation, cancelling any pending mark for the
// previous one. An empty ID means no conversation is active.
func (c *Coordinator) Activate(conversationID string, hasUnread bool) {
	c.cancel()
	c.active = conversationID
	c.state = Idle
	if conversationID == "" || !hasUnread {
		return
	}

	c.state = PendingMark
	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.SettleDelay, func() {
		c.post(func() { c.settled(conversationID, gen) })
	})
}

// Deactivate is Activate with no conversation.
func (c *Coordinator) Deactivate() {
	c.Activate("", false)
}

// Stop cancels any pending mark. In-flight requests still complete.
func (c *Coordinator) Stop() {
	c.cancel()
	c.active = ""
	c.state = Idle
}

func (c *Coordinator) cancel() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) current(conversationID string, gen uint64) bool {
	return c.active == conversationID && c.gen == gen
}

// settled fires on the loop when the settle delay elapses.
func (c *Coordinator) settled(conversationID string, gen uint64) {
	if !c.current(conversationID, gen) || c.state != PendingMark {
		return
	}
	c.timer = nil
	c.state = Marking
	// Captured now: the message store only holds the active conversation.
	unread := c.effects.UnreadMessages(conversationID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		err := c.marker.MarkConversationRead(ctx, conversationID)
		c.post(func() { c.markAllDone(conversationID, gen, unread, err) })
	}()
}

func (c *Coordinator) markAllDone(conversationID string, gen uint64, unread []string, err error) {
	stillActive := c.current(conversationID, gen)
	if err == nil {
		if stillActive {
			c.state = Marked
		}
		c.logger.Debug("conversation marked read", zap.String("conversation_id", conversationID))
		c.effects.MarkedAll(conversationID)
		return
	}

	c.logger.Warn("mark conversation read failed, falling back to per-message marks",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(unread)),
		zap.Error(err),
	)
	if stillActive {
		c.state = PerMessageFallback
	}
	c.fallback(conversationID, gen, unread)
}

// fallback marks each message in turn. Failures are logged and skipped.
func (c *Coordinator) fallback(conversationID string, gen uint64, ids []string) {
	go func() {
		marked, failed := 0, 0
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			err := c.marker.MarkMessageRead(ctx, id)
			cancel()
			if err != nil {
				failed++
				c.logger.Warn("mark message read failed",
					zap.String("conversation_id", conversationID),
					zap.String("message_id", id),
					zap.Error(err),
				)
				continue
			}
			marked++
			c.post(func() { c.effects.MarkedMessage(conversationID, id) })
		}
		c.post(func() {
			if c.current(conversationID, gen) && c.state == PerMessageFallback {
				if failed == 0 && marked > 0 {
					c.state = Marked
				} else {
					c.state = Idle
				}
			}
			c.effects.FallbackDone(conversationID, marked, failed)
		})
	}()
}

// MessageArrived auto-marks a message from another user that lands in the
// active conversation. It is independent of the batch state.
func (c *Coordinator) MessageArrived(conversationID, messageID string) {
	if conversationID == "" || conversationID != c.active {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.marker.MarkMessageRead(ctx, messageID); err != nil {
			c.logger.Warn("auto mark read failed",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
			return
		}
		c.post(func() { c.effects.MarkedMessage(conversationID, messageID) })
	}()
}
