package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// mockPoster records calls and returns configurable results.
type mockPoster struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	delay time.Duration
}

type sendCall struct {
	ConversationID string
	Req            rest.SendRequest
}

func (m *mockPoster) SendMessage(_ context.Context, conversationID string, req rest.SendRequest) (*chat.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{ConversationID: conversationID, Req: req})
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &chat.Message{ID: "server-" + req.ClientID, Content: req.Content, Kind: req.Kind, CreatedAt: time.Now()}, nil
}

func (m *mockPoster) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockPoster{}
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, mock, b, time.Second, logger)

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	if err := db.QueueOutbox("cid-1", "conv-1", "hello", "text"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()
	s.Kick()

	var ack Ack
	select {
	case evt := <-ch:
		ack = evt.Payload.(Ack)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
	if ack.ClientID != "cid-1" || ack.ConversationID != "conv-1" || ack.Message.ID != "server-cid-1" {
		t.Errorf("ack = %+v", ack)
	}
	// Conversation ID is filled in when the server omits it.
	if ack.Message.ConversationID != "conv-1" {
		t.Errorf("message conversation = %q", ack.Message.ConversationID)
	}

	if mock.callCount() != 1 {
		t.Fatalf("got %d send calls, want 1", mock.callCount())
	}
	if c := mock.calls[0]; c.ConversationID != "conv-1" || c.Req.Content != "hello" || c.Req.ClientID != "cid-1" {
		t.Errorf("call = %+v", c)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}
	e, _ := db.GetOutbox("cid-1")
	if e.Status != store.OutboxSent || e.ServerMsgID != "server-cid-1" {
		t.Errorf("entry = %+v", e)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockPoster{err: fmt.Errorf("network error")}
	s := NewSender(db, mock, b, time.Second, nil)

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	if err := db.QueueOutbox("cid-1", "conv-1", "hello", "text"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		f := evt.Payload.(Failure)
		if f.ClientID != "cid-1" || f.Error != "network error" {
			t.Errorf("failure = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
	e, _ := db.GetOutbox("cid-1")
	if e.Status != store.OutboxFailed || e.ErrorMessage != "network error" {
		t.Errorf("entry = %+v", e)
	}
}

// TestSenderRecoversInterruptedSends verifies that an entry left in
// "sending" by a crashed process is sent on the next start.
func TestSenderRecoversInterruptedSends(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockPoster{}
	s := NewSender(db, mock, b, time.Second, nil)

	if err := db.QueueOutbox("cid-1", "conv-1", "interrupted", "text"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("cid-1"); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted send was not retried")
	}
	e, _ := db.GetOutbox("cid-1")
	if e.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", e.Attempts)
	}
}

// TestSenderStopWaitsForInFlight verifies Stop does not return while a send
// is still running.
func TestSenderStopWaitsForInFlight(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockPoster{delay: 200 * time.Millisecond}
	s := NewSender(db, mock, b, time.Second, nil)

	if err := db.QueueOutbox("cid-1", "conv-1", "slow", "text"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Kick()

	deadline := time.After(2 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("send never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()

	e, _ := db.GetOutbox("cid-1")
	if e.Status == store.OutboxSending {
		t.Errorf("status = %q after Stop, want settled", e.Status)
	}
}
