package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
)

type fakeCreds struct {
	mu        sync.Mutex
	token     string
	next      string
	refreshes int
	rotated   []string
}

func (f *fakeCreds) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeCreds) Expired(time.Time) bool { return false }

func (f *fakeCreds) Refresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.next != "" {
		f.token = f.next
	}
	return f.token, nil
}

func (f *fakeCreds) Rotate(tok string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = tok
	f.rotated = append(f.rotated, tok)
	return nil
}

type fakeServer struct {
	url   string
	conns chan *websocket.Conn

	mu      sync.Mutex
	auth    []string
	rejects int
}

func newFakeServer(t *testing.T, rejects int) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 8), rejects: rejects}
	quit := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.auth = append(fs.auth, r.Header.Get("Authorization"))
		reject := fs.rejects > 0
		if reject {
			fs.rejects--
		}
		fs.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","reason":"token_expired"}`))
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		fs.conns <- c
		<-quit
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(quit) })
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fs
}

func (fs *fakeServer) authHeaders() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.auth...)
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func sendFrame(t *testing.T, c *websocket.Conn, typ, room string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, Frame{Type: typ, Room: room, Data: raw}); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func waitKind(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("bus closed waiting for %s", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newTestSession(t *testing.T, url string, creds *fakeCreds) (*Session, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	m := status.NewMachine(b)
	s := NewSession(Config{
		URL:          url,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, creds, b, m, nil)
	return s, b, m
}

func TestDeliversServerEvents(t *testing.T) {
	fs := newFakeServer(t, 0)
	s, b, m := newTestSession(t, fs.url, &fakeCreds{token: "tok"})
	ch, unsub := b.Subscribe("", 64)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()
	c := fs.accept(t)
	waitKind(t, ch, bus.KindConnected)
	if m.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", m.Current())
	}
	if got := fs.authHeaders(); got[0] != "Bearer tok" {
		t.Errorf("authorization = %q", got[0])
	}

	sendFrame(t, c, TypeNewMessage, "", chat.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi"})
	evt := waitKind(t, ch, bus.KindNewMessage)
	nm, ok := evt.Payload.(NewMessage)
	if !ok || nm.Data.ID != "m1" || nm.Room != "" {
		t.Errorf("payload = %#v", evt.Payload)
	}

	sendFrame(t, c, TypeTyping, "conv:c1", chat.TypingSignal{ConversationID: "c1", UserID: "u2", IsTyping: true})
	evt = waitKind(t, ch, bus.KindTyping)
	if ty := evt.Payload.(Typing); ty.Room != "conv:c1" || !ty.Data.IsTyping {
		t.Errorf("typing payload = %#v", ty)
	}
}

func TestOutboundFrames(t *testing.T) {
	fs := newFakeServer(t, 0)
	s, b, _ := newTestSession(t, fs.url, &fakeCreds{token: "tok"})
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	// Dropped: not connected yet.
	s.JoinRoom("conv:early")

	s.Start(context.Background())
	defer s.Stop()
	c := fs.accept(t)
	waitKind(t, ch, bus.KindConnected)

	s.JoinRoom("conv:c1")
	s.SendTyping("c1", true)
	s.LeaveRoom("conv:c1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var types []string
	for len(types) < 3 {
		var f Frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			t.Fatalf("server read: %v", err)
		}
		if f.Type == TypePing {
			continue
		}
		types = append(types, f.Type)
		if f.Type == TypeJoinRoom && !strings.Contains(string(f.Data), "conv:c1") {
			t.Errorf("join frame data = %s", f.Data)
		}
	}
	want := []string{TypeJoinRoom, TypeTyping, TypeLeaveRoom}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frames = %v, want %v", types, want)
		}
	}
}

func TestExpiredTokenRefreshesAndRedials(t *testing.T) {
	fs := newFakeServer(t, 1)
	creds := &fakeCreds{token: "old", next: "new"}
	s, b, m := newTestSession(t, fs.url, creds)
	ch, unsub := b.Subscribe("conn.", 64)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	evt := waitKind(t, ch, bus.KindAuthError)
	if evt.Payload.(string) != ReasonTokenExpired {
		t.Errorf("reason = %v", evt.Payload)
	}
	fs.accept(t)
	waitKind(t, ch, bus.KindConnected)

	got := fs.authHeaders()
	if len(got) != 2 || got[0] != "Bearer old" || got[1] != "Bearer new" {
		t.Errorf("authorization headers = %v", got)
	}
	if m.Current() != status.Connected {
		t.Errorf("state = %s", m.Current())
	}
}

func TestRotationDoesNotInterruptConnection(t *testing.T) {
	fs := newFakeServer(t, 0)
	creds := &fakeCreds{token: "tok"}
	s, b, _ := newTestSession(t, fs.url, creds)
	ch, unsub := b.Subscribe("", 64)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()
	c := fs.accept(t)
	waitKind(t, ch, bus.KindConnected)

	sendFrame(t, c, TypeCredentialsRotated, "", map[string]string{"token": "rotated"})
	waitKind(t, ch, bus.KindCredsRotated)
	sendFrame(t, c, TypeNewMessage, "", chat.Message{ID: "m2", ConversationID: "c1"})
	waitKind(t, ch, bus.KindNewMessage)

	if n := len(fs.authHeaders()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}

	// The rotated token is used for the next handshake.
	c.Close(websocket.StatusGoingAway, "restart")
	waitKind(t, ch, bus.KindDisconnected)
	fs.accept(t)
	waitKind(t, ch, bus.KindConnected)
	if got := fs.authHeaders(); got[len(got)-1] != "Bearer rotated" {
		t.Errorf("reconnect authorization = %q", got[len(got)-1])
	}
}

func TestAuthErrorFrameTriggersRefresh(t *testing.T) {
	fs := newFakeServer(t, 0)
	creds := &fakeCreds{token: "a", next: "b"}
	s, b, _ := newTestSession(t, fs.url, creds)
	ch, unsub := b.Subscribe("conn.", 64)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()
	c := fs.accept(t)
	waitKind(t, ch, bus.KindConnected)

	sendFrame(t, c, TypeAuthError, "", map[string]string{"reason": ReasonTokenExpired})
	waitKind(t, ch, bus.KindAuthError)
	fs.accept(t)
	waitKind(t, ch, bus.KindConnected)

	creds.mu.Lock()
	defer creds.mu.Unlock()
	if creds.refreshes == 0 {
		t.Error("credentials were not refreshed")
	}
}

func TestStopReleasesEverything(t *testing.T) {
	fs := newFakeServer(t, 0)
	s, b, m := newTestSession(t, fs.url, &fakeCreds{token: "tok"})
	ch, unsub := b.Subscribe("", 64)
	defer unsub()

	s.Start(context.Background())
	c := fs.accept(t)
	waitKind(t, ch, bus.KindConnected)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if m.Current() != status.Closed || s.Connected() {
		t.Errorf("state = %s connected=%v", m.Current(), s.Connected())
	}

	// Drain what was published before Stop returned, then nothing more.
	for len(ch) > 0 {
		<-ch
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("server side should observe the closed connection")
	}
	select {
	case evt := <-ch:
		t.Errorf("event after Stop: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
