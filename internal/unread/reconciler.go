package unread

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultInterval = 2 * time.Minute
	defaultPageSize = 50
	// maxPages bounds a single reconciliation against a server that never
	// reports the last page.
	maxPages = 200
)

// Pager fetches one page of the signed-in user's conversations.
type Pager interface {
	ListConversations(ctx context.Context, page, limit int) ([]chat.Conversation, bool, error)
}

// Checkpointer persists the last reconciled set of unread conversations.
type Checkpointer interface {
	SaveUnreadCheckpoint(ids []string) error
}

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	Interval time.Duration
	PageSize int
	Timeout  time.Duration
}

// Reconciler refetches every conversation and snapshots the counter. Passes
// run one at a time. A run requested while a pass is in flight never joins
// that pass, whose fetch may predate the caller's changes; it waits for the
// next pass, which every request made meanwhile shares.
type Reconciler struct {
	counter    *Counter
	pager      Pager
	checkpoint Checkpointer
	cfg        ReconcilerConfig
	logger     *zap.Logger

	// OnFetched, if set, receives the full conversation set after each
	// successful run. It is called from the reconciling goroutine.
	OnFetched func([]chat.Conversation)

	sf singleflight.Group
	// sem serializes passes.
	sem chan struct{}

	mu      sync.Mutex
	started uint64

	quit   chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a reconciler. checkpoint may be nil.
func NewReconciler(c *Counter, p Pager, checkpoint Checkpointer, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		counter:    c,
		pager:      p,
		checkpoint: checkpoint,
		cfg:        cfg,
		logger:     logger,
		sem:        make(chan struct{}, 1),
		quit:       make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (r *Reconciler) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("periodic unread reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Trigger starts a reconciliation in the background and returns immediately.
func (r *Reconciler) Trigger(reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Warn("unread reconciliation failed", zap.String("reason", reason), zap.Error(err))
		}
	}()
}

// Reconcile fetches all pages and applies the result as a snapshot. The
// fetch starts after the call. Returns the reconciled aggregate.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	r.mu.Lock()
	pass := r.started + 1
	r.mu.Unlock()

	v, err, shared := r.sf.Do(strconv.FormatUint(pass, 10), func() (any, error) {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		defer func() { <-r.sem }()

		r.mu.Lock()
		r.started = max(r.started, pass)
		r.mu.Unlock()
		return r.reconcile(ctx)
	})
	if err != nil {
		return 0, err
	}
	if shared {
		r.logger.Debug("unread reconciliation coalesced")
	}
	return v.(int), nil
}

func (r *Reconciler) reconcile(ctx context.Context) (int, error) {
	token := r.counter.BeginSnapshot()

	var all []chat.Conversation
	for page := 1; page <= maxPages; page++ {
		items, more, err := r.pager.ListConversations(ctx, page, r.cfg.PageSize)
		if err != nil {
			return 0, fmt.Errorf("fetch conversations page %d: %w", page, err)
		}
		all = append(all, items...)
		if !more {
			break
		}
	}

	seen := make(map[string]bool, len(all))
	var ids []string
	for _, c := range all {
		if c.UnreadCount > 0 && !seen[c.ID] {
			seen[c.ID] = true
			ids = append(ids, c.ID)
		}
	}
	r.counter.Snapshot(token, ids)

	if r.checkpoint != nil {
		if err := r.checkpoint.SaveUnreadCheckpoint(ids); err != nil {
			r.logger.Warn("failed to save unread checkpoint", zap.Error(err))
		}
	}
	if r.OnFetched != nil {
		r.OnFetched(all)
	}

	r.logger.Debug("unread reconciled",
		zap.Int("conversations", len(all)),
		zap.Int("unread", len(ids)),
	)
	return len(ids), nil
}
