// Package sync routes push events, REST results and timer fires through a
// single event loop. The loop owns the conversation list, the open
// conversation's messages, room membership, remote typing state and the
// read-receipt coordinator; nothing else touches them.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conversations"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/rooms"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/unread"
	"go.uber.org/zap"
)

const (
	defaultPageSize       = 50
	defaultRequestTimeout = 15 * time.Second
	defaultSeenCapacity   = 4096
	defaultPushBuffer     = 256
	taskBuffer            = 256
)

var (
	ErrNotRunning           = errors.New("sync engine is not running")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message is empty")
)

// Backend is the REST API the engine reads from and writes to.
type Backend interface {
	unread.Pager
	receipts.Marker
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, bool, error)
	React(ctx context.Context, messageID, emoji string) (map[string]string, error)
}

// Transport is the outbound side of the push session.
type Transport interface {
	rooms.Transport
	SendTyping(conversationID string, isTyping bool)
}

// Kicker wakes the outbox sender.
type Kicker interface {
	Kick()
}

// Config tunes the engine.
type Config struct {
	// UserID is the signed-in user.
	UserID            string
	PageSize          int
	RequestTimeout    time.Duration
	SettleDelay       time.Duration
	TypingGap         time.Duration
	TypingTTL         time.Duration
	ReconcileInterval time.Duration
	// SeenCapacity bounds the set of message IDs remembered for
	// deduplicating push deliveries.
	SeenCapacity int
	// PushBuffer is the number of push events queued for the loop. Overflow
	// makes the engine refetch what it may have missed.
	PushBuffer int
}

// Deps are the engine's collaborators. DB, Sink and Outbox may be nil.
type Deps struct {
	Backend   Backend
	Transport Transport
	DB        *store.DB
	Counter   *unread.Counter
	Sink      notify.Sink
	Outbox    Kicker
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Engine is the chat synchronization engine for one signed-in user.
type Engine struct {
	cfg        Config
	backend    Backend
	transport  Transport
	db         *store.DB
	counter    *unread.Counter
	sink       notify.Sink
	outbox     Kicker
	bus        *bus.Bus
	logger     *zap.Logger
	reconciler *unread.Reconciler
	typingOut  *typing.Debouncer

	tasks   chan func()
	quit    chan struct{}
	done    chan struct{}
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	// Owned by the loop.
	list     *conversations.List
	msgs     *messages.Store
	rooms    *rooms.Tracker
	receipts *receipts.Coordinator
	typingIn *typing.Tracker
	seen     *orderedmap.OrderedMap[string, struct{}]
	active   string
	gen      uint64
	focused  bool
	hasMore  bool
}

// NewEngine creates a new sync engine.
func NewEngine(cfg Config, d Deps) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = defaultSeenCapacity
	}
	if cfg.PushBuffer <= 0 {
		cfg.PushBuffer = defaultPushBuffer
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := d.Sink
	if sink == nil {
		sink = notify.LogSink{Logger: logger}
	}

	e := &Engine{
		cfg:       cfg,
		backend:   d.Backend,
		transport: d.Transport,
		db:        d.DB,
		counter:   d.Counter,
		sink:      sink,
		outbox:    d.Outbox,
		bus:       d.Bus,
		logger:    logger,
		tasks:     make(chan func(), taskBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		list:      conversations.New(),
		msgs:      messages.New(),
		rooms:     rooms.NewTracker(d.Transport, logger.Named("rooms")),
		typingIn:  typing.NewTracker(cfg.TypingTTL),
		seen:      orderedmap.NewOrderedMap[string, struct{}](),
		focused:   true,
	}

	var checkpoint unread.Checkpointer
	if d.DB != nil {
		checkpoint = d.DB
	}
	e.reconciler = unread.NewReconciler(d.Counter, d.Backend, checkpoint, unread.ReconcilerConfig{
		Interval: cfg.ReconcileInterval,
		PageSize: cfg.PageSize,
		Timeout:  2 * cfg.RequestTimeout,
	}, logger.Named("reconciler"))
	e.reconciler.OnFetched = e.onFetched

	e.receipts = receipts.New(d.Backend, receiptEffects{e}, e.post, receipts.Config{
		SettleDelay:    cfg.SettleDelay,
		RequestTimeout: cfg.RequestTimeout,
	}, logger.Named("receipts"))
	e.typingOut = typing.NewDebouncer(cfg.TypingGap, d.Transport.SendTyping)
	return e
}

// Start restores cached state, subscribes to push, connection and outbox
// events, and triggers the initial conversation fetch.
func (e *Engine) Start(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.restore()

	pushCh, overflow, unsubPush := e.bus.SubscribeLossy("push.", e.cfg.PushBuffer)
	connCh, unsubConn := e.bus.Subscribe("conn.", 64)
	outCh, unsubOut := e.bus.Subscribe("outbox.", 64)

	go func() {
		defer close(e.done)
		defer unsubPush()
		defer unsubConn()
		defer unsubOut()
		e.loop(pushCh, overflow, connCh, outCh)
	}()

	e.reconciler.Start(e.ctx)
	e.reconciler.Trigger("startup")
}

// Stop ends the loop and waits for it. Late REST completions are dropped.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	select {
	case <-e.quit:
		return
	default:
		close(e.quit)
	}
	<-e.done
	e.typingOut.Stop()
	e.reconciler.Stop()
	e.cancel()
}

// restore seeds the list from the conversation cache and primes the counter
// from the last checkpoint so views have something to show before the first
// fetch completes. Runs before the loop starts.
func (e *Engine) restore() {
	if e.db == nil {
		return
	}
	cached, err := e.db.CachedConversations(0)
	if err != nil {
		e.logger.Warn("failed to load cached conversations", zap.Error(err))
	} else {
		e.list.Seed(cached)
	}
	ids, err := e.db.LoadUnreadCheckpoint()
	if err != nil {
		e.logger.Warn("failed to load unread checkpoint", zap.Error(err))
		return
	}
	e.counter.Prime(ids)
	e.logger.Info("state restored",
		zap.Int("conversations", len(cached)),
		zap.Int("unread", len(ids)),
	)
}

func (e *Engine) loop(pushCh <-chan bus.Event, overflow <-chan struct{}, connCh, outCh <-chan bus.Event) {
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-e.quit:
			e.receipts.Stop()
			return
		case f := <-e.tasks:
			f()
		case evt, ok := <-pushCh:
			if !ok {
				pushCh = nil
				continue
			}
			e.handlePush(evt)
		case _, ok := <-overflow:
			if !ok {
				overflow = nil
				continue
			}
			e.logger.Warn("push events dropped, refetching")
			e.refreshActive()
			e.reconciler.Trigger("push overflow")
		case evt, ok := <-connCh:
			if !ok {
				connCh = nil
				continue
			}
			e.handleConn(evt)
		case evt, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			e.handleOutbox(evt)
		case now := <-sweep.C:
			for _, id := range e.typingIn.Sweep(now) {
				e.publishTyping(id)
			}
		}
	}
}

// post schedules f on the loop. It is dropped once the engine stops.
func (e *Engine) post(f func()) {
	select {
	case e.tasks <- f:
	case <-e.quit:
	}
}

// do runs f on the loop and waits for it.
func (e *Engine) do(ctx context.Context, f func()) error {
	if !e.started {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case e.tasks <- func() { f(); close(done) }:
	case <-e.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrNotRunning
	}
}

// remember records a message ID in the seen set. Returns false if it was
// already there.
func (e *Engine) remember(id string) bool {
	if _, ok := e.seen.Get(id); ok {
		return false
	}
	e.seen.Set(id, struct{}{})
	for e.seen.Len() > e.cfg.SeenCapacity {
		e.seen.Delete(e.seen.Front().Key)
	}
	return true
}

func (e *Engine) onFetched(all []chat.Conversation) {
	if e.db != nil {
		if err := e.db.SaveConversations(all); err != nil {
			e.logger.Warn("failed to cache conversations", zap.Error(err))
		}
	}
	e.post(func() { e.applyConversations(all) })
}

func (e *Engine) applyConversations(all []chat.Conversation) {
	e.list.Seed(all)
	if e.active != "" {
		// A fetch that started before the mark landed still reports unread.
		if e.receipts.State() == receipts.Marked {
			e.list.SetUnread(e.active, 0)
		}
		if conv, ok := e.list.Get(e.active); ok {
			e.rooms.SetActive(&conv)
		}
	}
	e.publishView(ReasonConversations, "")
}

// SelectConversation opens a conversation: room membership moves to it, its
// latest page of messages is fetched, and once visible it is marked read
// after the settle delay. Selecting the open conversation is a no-op.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return e.CloseConversation(ctx)
	}
	var (
		gen     uint64
		skip    bool
		loopErr error
	)
	if err := e.do(ctx, func() {
		if conversationID == e.active {
			skip = true
			return
		}
		conv, ok := e.list.Get(conversationID)
		if !ok {
			loopErr = fmt.Errorf("select %s: %w", conversationID, ErrUnknownConversation)
			return
		}
		e.leaveActive()
		e.active = conversationID
		e.gen++
		gen = e.gen
		e.hasMore = false
		e.msgs.Seed(conversationID, nil)
		e.rooms.SetActive(&conv)
		e.publishView(ReasonSelected, conversationID)
	}); err != nil {
		return err
	}
	if skip || loopErr != nil {
		return loopErr
	}
	return e.load(ctx, conversationID, gen, true)
}

// CloseConversation leaves the open conversation, if any.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.do(ctx, func() {
		prev := e.active
		if prev == "" {
			return
		}
		e.leaveActive()
		e.active = ""
		e.gen++
		e.hasMore = false
		e.msgs.Reset()
		e.rooms.SetActive(nil)
		e.publishView(ReasonClosed, prev)
	})
}

// leaveActive releases per-conversation state of the open conversation.
func (e *Engine) leaveActive() {
	prev := e.active
	if prev == "" {
		return
	}
	e.receipts.Deactivate()
	e.typingOut.Set(prev, false)
	e.typingIn.Clear(prev)
	e.publishTyping(prev)
}

// load fetches the latest page of a conversation on the caller's goroutine
// and hands it to the loop. Pages for a superseded selection are discarded.
func (e *Engine) load(ctx context.Context, conversationID string, gen uint64, first bool) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	items, more, err := e.backend.ListMessages(rctx, conversationID, time.Time{}, e.cfg.PageSize)
	if err != nil {
		e.logger.Warn("failed to load messages", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("load messages for %s: %w", conversationID, err)
	}

	var unsent []store.OutboxEntry
	if e.db != nil {
		if unsent, err = e.db.UnsentOutbox(conversationID); err != nil {
			e.logger.Warn("failed to read unsent messages", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	e.post(func() { e.applyPage(conversationID, gen, items, more, unsent, first) })
	return nil
}

func (e *Engine) applyPage(conversationID string, gen uint64, items []chat.Message, more bool, unsent []store.OutboxEntry, first bool) {
	if gen != e.gen || conversationID != e.active {
		e.logger.Debug("discarding stale message page", zap.String("conversation_id", conversationID))
		return
	}
	var fresh []*chat.Message
	for i := range items {
		if e.msgs.Ingest(&items[i]) {
			fresh = append(fresh, &items[i])
		}
		e.remember(items[i].ID)
	}
	for _, u := range unsent {
		e.msgs.Ingest(&chat.Message{
			ID:             u.ClientID,
			ConversationID: conversationID,
			SenderID:       e.cfg.UserID,
			Content:        u.Content,
			Kind:           chat.MessageKind(u.Kind),
			CreatedAt:      time.UnixMilli(u.CreatedAt),
			Status:         outboxStatus(u.Status),
		})
	}
	if !first {
		// Messages missed while disconnected or dropped under load are
		// auto-read like live ones.
		for _, m := range fresh {
			if m.SenderID != e.cfg.UserID && !m.ReadByUser(e.cfg.UserID) {
				e.receipts.MessageArrived(conversationID, m.ID)
			}
		}
		e.publishView(ReasonLoaded, conversationID)
		return
	}

	e.hasMore = more
	conv, _ := e.list.Get(conversationID)
	e.receipts.Activate(conversationID, conv.UnreadCount > 0)
	e.publishView(ReasonLoaded, conversationID)
}

func outboxStatus(s string) chat.DeliveryStatus {
	if s == store.OutboxFailed {
		return chat.StatusFailed
	}
	return chat.StatusSending
}

// LoadOlder fetches the page before the oldest visible message. Returns the
// number of messages added.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	var (
		id     string
		gen    uint64
		more   bool
		oldest *chat.Message
	)
	if err := e.do(ctx, func() {
		id, gen, more, oldest = e.active, e.gen, e.hasMore, e.msgs.Oldest()
	}); err != nil {
		return 0, err
	}
	if id == "" {
		return 0, ErrNoActiveConversation
	}
	if !more {
		return 0, nil
	}

	var before time.Time
	if oldest != nil {
		before = oldest.CreatedAt
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	items, more, err := e.backend.ListMessages(rctx, id, before, e.cfg.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load older messages for %s: %w", id, err)
	}

	added := 0
	err = e.do(ctx, func() {
		if gen != e.gen {
			return
		}
		for i := range items {
			if e.msgs.Ingest(&items[i]) {
				e.remember(items[i].ID)
				added++
			}
		}
		e.hasMore = more
		e.publishView(ReasonLoaded, id)
	})
	return added, err
}

// SetFocused records whether the user is looking at the chat view.
// Messages for the open conversation notify only while unfocused.
func (e *Engine) SetFocused(ctx context.Context, focused bool) error {
	return e.do(ctx, func() { e.focused = focused })
}

// SetTyping reports local keystrokes. Transitions are debounced before they
// reach the push channel.
func (e *Engine) SetTyping(conversationID string, isTyping bool) {
	e.typingOut.Set(conversationID, isTyping)
}

// Send queues a text message and shows it as sending in the open
// conversation. Returns the client ID the message is tracked by.
func (e *Engine) Send(ctx context.Context, conversationID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	clientID := uuid.NewString()
	var loopErr error
	if err := e.do(ctx, func() {
		if _, ok := e.list.Get(conversationID); !ok {
			loopErr = fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
			return
		}
		if e.db != nil {
			if err := e.db.QueueOutbox(clientID, conversationID, content, string(chat.MessageText)); err != nil {
				loopErr = fmt.Errorf("queue message: %w", err)
				return
			}
		}
		e.typingOut.Set(conversationID, false)
		if conversationID == e.active {
			e.msgs.Ingest(&chat.Message{
				ID:             clientID,
				ConversationID: conversationID,
				SenderID:       e.cfg.UserID,
				Content:        content,
				Kind:           chat.MessageText,
				CreatedAt:      time.Now(),
				Status:         chat.StatusSending,
			})
			e.publishView(ReasonMessage, conversationID)
		}
	}); err != nil {
		return "", err
	}
	if loopErr != nil {
		return "", loopErr
	}
	if e.outbox != nil {
		e.outbox.Kick()
	}
	return clientID, nil
}

// Retry requeues a message whose send failed.
func (e *Engine) Retry(ctx context.Context, clientID string) error {
	if e.db == nil {
		return ErrNotRunning
	}
	if err := e.db.RequeueOutbox(clientID); err != nil {
		return fmt.Errorf("requeue %s: %w", clientID, err)
	}
	err := e.do(ctx, func() {
		if e.msgs.SetStatus(clientID, chat.StatusSending) {
			e.publishView(ReasonMessage, e.active)
		}
	})
	if e.outbox != nil {
		e.outbox.Kick()
	}
	return err
}

// React sets the user's reaction on a message. An empty emoji removes it.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	reactions, err := e.backend.React(rctx, messageID, emoji)
	if err != nil {
		return fmt.Errorf("react to %s: %w", messageID, err)
	}
	return e.do(ctx, func() {
		if e.msgs.SetReactions(messageID, reactions) {
			e.publishView(ReasonReaction, e.active)
		}
	})
}

// Reconcile refetches every conversation and snapshots the unread counter.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	return e.reconciler.Reconcile(ctx)
}
