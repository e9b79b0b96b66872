package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/unread"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeEngine struct {
	mu      sync.Mutex
	active  string
	focused bool
	sent    []string
	typing  map[string]bool
	retried []string
	reacted map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{typing: map[string]bool{}, reacted: map[string]string{}}
}

func (f *fakeEngine) View(context.Context) (intsync.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := intsync.View{
		Active:  f.active,
		Focused: f.focused,
		Conversations: []chat.Conversation{
			{ID: "A", Kind: chat.KindDirect, Participants: []string{"me", "alice"}, UnreadCount: 1},
		},
		ReadState: receipts.Idle,
		Unread:    1,
	}
	if f.active == "A" {
		v.Messages = []chat.Message{
			{ID: "m1", ConversationID: "A", SenderID: "alice", Content: "hi", Status: chat.StatusSent},
			{ID: "c1", ConversationID: "A", SenderID: "me", Content: "yo", Status: chat.StatusSending},
		}
		v.Rooms = []string{"dm:A"}
	}
	return v, nil
}

func (f *fakeEngine) SelectConversation(_ context.Context, id string) error {
	if id != "A" {
		return fmt.Errorf("select %s: %w", id, intsync.ErrUnknownConversation)
	}
	f.mu.Lock()
	f.active = id
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) CloseConversation(context.Context) error {
	f.mu.Lock()
	f.active = ""
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Send(_ context.Context, conv, content string) (string, error) {
	if content == "" {
		return "", intsync.ErrEmptyMessage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conv+":"+content)
	return "6f1c2d0e-8c1b-4c55-9b59-4a0a3c9f2d11", nil
}

func (f *fakeEngine) Retry(_ context.Context, id string) error {
	f.mu.Lock()
	f.retried = append(f.retried, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) React(_ context.Context, msgID, emoji string) error {
	if msgID == "gone" {
		return &rest.RequestError{Op: "react", Status: 404}
	}
	f.mu.Lock()
	f.reacted[msgID] = emoji
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) SetFocused(_ context.Context, focused bool) error {
	f.mu.Lock()
	f.focused = focused
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) SetTyping(conv string, typing bool) {
	f.mu.Lock()
	f.typing[conv] = typing
	f.mu.Unlock()
}

func (f *fakeEngine) LoadOlder(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == "" {
		return 0, intsync.ErrNoActiveConversation
	}
	return 2, nil
}

func (f *fakeEngine) Reconcile(context.Context) (int, error) {
	return 0, intsync.ErrNotRunning
}

type harness struct {
	engine *fakeEngine
	bus    *bus.Bus
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Short path for the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "chatsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	b := bus.New()
	t.Cleanup(b.Close)
	machine := status.NewMachine(b)
	_ = machine.Transition(status.Connecting)

	eng := newFakeEngine()
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewControlService("test", "me", eng, machine, b, nil))

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &harness{engine: eng, bus: b, client: c}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	f := st.GetFields()
	if got := f["profile"].GetStringValue(); got != "test" {
		t.Errorf("profile = %q, want test", got)
	}
	if got := f["state"].GetStringValue(); got != string(status.Connecting) {
		t.Errorf("state = %q, want CONNECTING", got)
	}
	if got := f["unread"].GetNumberValue(); got != 1 {
		t.Errorf("unread = %v, want 1", got)
	}
	if got := f["conversations"].GetNumberValue(); got != 1 {
		t.Errorf("conversations = %v, want 1", got)
	}
}

func TestOpenAndView(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	if err := h.client.Open(ctx, "A"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	v, err := h.client.View(ctx)
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if got := v.GetFields()["active"].GetStringValue(); got != "A" {
		t.Errorf("active = %q, want A", got)
	}
	msgs := v.GetFields()["messages"].GetListValue().GetValues()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if got := msgs[1].GetStructValue().GetFields()["status"].GetStringValue(); got != string(chat.StatusSending) {
		t.Errorf("status = %q, want sending", got)
	}

	if err := h.client.CloseConversation(ctx); err != nil {
		t.Fatalf("CloseConversation() error = %v", err)
	}
	v, err = h.client.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.GetFields()["active"]; ok {
		t.Error("active should be omitted after close")
	}
}

func TestSendFocusTypingReact(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	id, err := h.client.Send(ctx, "A", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id == "" {
		t.Error("expected client id")
	}
	if err := h.client.Retry(ctx, id); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := h.client.Focus(ctx, true); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	if err := h.client.Typing(ctx, "A", true); err != nil {
		t.Fatalf("Typing() error = %v", err)
	}
	if err := h.client.React(ctx, "m1", "🎉"); err != nil {
		t.Fatalf("React() error = %v", err)
	}

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if len(h.engine.sent) != 1 || h.engine.sent[0] != "A:hello" {
		t.Errorf("sent = %v", h.engine.sent)
	}
	if len(h.engine.retried) != 1 || h.engine.retried[0] != id {
		t.Errorf("retried = %v", h.engine.retried)
	}
	if !h.engine.focused {
		t.Error("expected focused")
	}
	if !h.engine.typing["A"] {
		t.Error("expected typing in A")
	}
	if h.engine.reacted["m1"] != "🎉" {
		t.Errorf("reacted = %v", h.engine.reacted)
	}
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"open unknown", func() error { return h.client.Open(ctx, "Z") }, codes.NotFound},
		{"open empty", func() error { return h.client.Open(ctx, "") }, codes.InvalidArgument},
		{"send empty", func() error { _, err := h.client.Send(ctx, "A", ""); return err }, codes.InvalidArgument},
		{"send no conversation", func() error { _, err := h.client.Send(ctx, "", "x"); return err }, codes.InvalidArgument},
		{"retry bad id", func() error { return h.client.Retry(ctx, "nope") }, codes.InvalidArgument},
		{"load older closed", func() error { _, err := h.client.LoadOlder(ctx); return err }, codes.FailedPrecondition},
		{"reconcile stopped", func() error { _, err := h.client.Reconcile(ctx); return err }, codes.Unavailable},
		{"react backend error", func() error { return h.client.React(ctx, "gone", "x") }, codes.Unavailable},
		{"react missing id", func() error { return h.client.React(ctx, "", "x") }, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (err = %v)", got, tt.want, err)
			}
		})
	}
}

func TestLoadOlder(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	if err := h.client.Open(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	n, err := h.client.LoadOlder(ctx)
	if err != nil {
		t.Fatalf("LoadOlder() error = %v", err)
	}
	if n != 2 {
		t.Errorf("LoadOlder() = %d, want 2", n)
	}
}

func TestWatchStreamsMatchingEvents(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	stream, err := h.client.Watch(ctx, "unread.")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// The subscription is registered asynchronously; publish until the
	// first event arrives.
	got := make(chan error, 1)
	go func() {
		env, err := stream.Recv()
		if err != nil {
			got <- err
			return
		}
		f := env.GetFields()
		if kind := f["kind"].GetStringValue(); kind != bus.KindUnreadChanged {
			got <- fmt.Errorf("kind = %q", kind)
			return
		}
		if v := f["payload"].GetStructValue().GetFields()["value"].GetNumberValue(); v != 3 {
			got <- fmt.Errorf("payload value = %v", v)
			return
		}
		if f["profile"].GetStringValue() != "test" {
			got <- errors.New("missing profile")
			return
		}
		got <- nil
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-got:
			if err != nil {
				t.Fatal(err)
			}
			return
		case <-tick.C:
			h.bus.Publish(bus.NewEvent(bus.KindNotification, "ignored"))
			h.bus.Publish(bus.NewEvent(bus.KindUnreadChanged, unread.Change{Value: 3, Previous: 2}))
		case <-ctx.Done():
			t.Fatal("timed out waiting for watch event")
		}
	}
}
