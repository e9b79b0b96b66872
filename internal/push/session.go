// Package push owns the authenticated WebSocket connection to the chat
// backend. It reconnects forever with bounded backoff, refreshes expired
// credentials, and republishes server events on the bus.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
	defaultPingInterval = 25 * time.Second
	defaultDialTimeout  = 15 * time.Second
	defaultOfflineAfter = 5

	writeTimeout   = 10 * time.Second
	readLimit      = 1 << 20
	outboundBuffer = 64
	inboundBuffer  = 64

	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor     = 2
	backoffMultiplier = 2
)

// ReasonTokenExpired is the auth error reason that triggers a credential
// refresh before the next attempt.
const ReasonTokenExpired = "token_expired"

// AuthError is returned when the server rejects the session's credentials.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push auth error: %s: %v", e.Reason, e.Err)
	}
	return "push auth error: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// Credentials is the token holder shared with the REST client.
type Credentials interface {
	Token() string
	Expired(now time.Time) bool
	Refresh(ctx context.Context) (string, error)
	Rotate(token string) error
}

// Config tunes the session.
type Config struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	DialTimeout  time.Duration
	// OfflineAfter is the number of consecutive failed attempts after
	// which the state degrades to OFFLINE. Retries continue.
	OfflineAfter int
}

func (c *Config) defaults() {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(defaultReconnectMax, c.ReconnectMin)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = defaultOfflineAfter
	}
}

// Session is one signed-in user's push connection.
type Session struct {
	cfg    Config
	creds  Credentials
	bus    *bus.Bus
	state  *status.Machine
	logger *zap.Logger

	mu     sync.Mutex
	out    chan Frame // nil while disconnected
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session. Call Start to connect.
func NewSession(cfg Config, creds Credentials, b *bus.Bus, state *status.Machine, logger *zap.Logger) *Session {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		creds:  creds,
		bus:    b,
		state:  state,
		logger: logger,
	}
}

// Start runs the connection loop in the background until ctx is cancelled
// or Stop is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop closes the connection and waits for every goroutine to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.setState(status.Closed)
}

// Connected reports whether a connection is currently established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out != nil
}

// JoinRoom asks the server to deliver a room's events.
func (s *Session) JoinRoom(room string) {
	s.send(TypeJoinRoom, roomData{Room: room})
}

// LeaveRoom asks the server to stop delivering a room's events.
func (s *Session) LeaveRoom(room string) {
	s.send(TypeLeaveRoom, roomData{Room: room})
}

// SendTyping announces the local user's typing state.
func (s *Session) SendTyping(conversationID string, isTyping bool) {
	s.send(TypeTyping, chat.TypingSignal{ConversationID: conversationID, IsTyping: isTyping})
}

// send queues a frame on the live connection. Frames are dropped while
// disconnected; room membership is re-applied after reconnect.
func (s *Session) send(typ string, data any) {
	f, err := newFrame(typ, data)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("type", typ), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		s.logger.Debug("dropping frame while disconnected", zap.String("type", typ))
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("outbound queue full, dropping frame", zap.String("type", typ))
	}
}

func (s *Session) setState(to status.State) {
	if s.state == nil {
		return
	}
	if err := s.state.Transition(to); err != nil {
		s.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func (s *Session) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}

func (s *Session) run(ctx context.Context) {
	backoff := s.cfg.ReconnectMin
	failures := 0

	for {
		s.setState(status.Connecting)
		connected, err := s.serve(ctx)
		if ctx.Err() != nil {
			return
		}

		if connected {
			backoff = s.cfg.ReconnectMin
			failures = 0
		} else {
			failures++
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.logger.Warn("push authentication rejected", zap.String("reason", authErr.Reason), zap.Error(authErr.Err))
			s.setState(status.AuthRequired)
			s.publish(bus.KindAuthError, authErr.Reason)
			if authErr.Reason == ReasonTokenExpired {
				if _, rerr := s.creds.Refresh(ctx); rerr != nil {
					s.logger.Warn("credential refresh failed", zap.Error(rerr))
				}
			}
		} else {
			s.logger.Warn("push connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
				zap.Int("failures", failures),
			)
		}

		s.setState(status.Reconnecting)
		if failures >= s.cfg.OfflineAfter {
			s.setState(status.Offline)
		}

		var jitter time.Duration
		if n := int64(backoff) / jitterDivisor; n > 0 {
			jitter = time.Duration(rand.Int64N(n))
		}
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !connected {
			backoff = min(backoff*backoffMultiplier, s.cfg.ReconnectMax)
		}
	}
}

type inbound struct {
	data []byte
	err  error
}

// serve dials and pumps one connection until it fails. connected reports
// whether the handshake succeeded.
func (s *Session) serve(ctx context.Context) (connected bool, err error) {
	if s.creds.Token() == "" || s.creds.Expired(time.Now()) {
		if _, err := s.creds.Refresh(ctx); err != nil {
			return false, &AuthError{Reason: ReasonTokenExpired, Err: err}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // Dial replaces the body on error
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.creds.Token()},
		},
	})
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, &AuthError{Reason: rejectReason(resp), Err: err}
		}
		return false, fmt.Errorf("dial push channel: %w", err)
	}
	conn.SetReadLimit(readLimit)

	// CloseNow skips the close handshake so teardown never waits on the peer.
	connCtx, connCancel := context.WithCancel(ctx)
	var readers sync.WaitGroup
	defer func() {
		connCancel()
		conn.CloseNow()
		readers.Wait()
	}()

	connID := uuid.NewString()
	out := make(chan Frame, outboundBuffer)
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.out = nil
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.publish(bus.KindDisconnected, Disconnected{ConnectionID: connID, Reason: errString(err)})
		}
	}()

	s.setState(status.Connected)
	s.logger.Info("push connected", zap.String("conn_id", connID))
	s.publish(bus.KindConnected, Connected{ConnectionID: connID})

	in := make(chan inbound, inboundBuffer)
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case in <- inbound{data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-in:
			if msg.err != nil {
				return true, fmt.Errorf("read: %w", msg.err)
			}
			if err := s.handle(msg.data); err != nil {
				return true, err
			}
		case f := <-out:
			if err := s.write(connCtx, conn, f); err != nil {
				return true, err
			}
		case <-ticker.C:
			if err := s.write(connCtx, conn, Frame{Type: TypePing}); err != nil {
				return true, err
			}
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (s *Session) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}

// handle decodes one frame and publishes it. Only auth errors are returned;
// malformed frames are logged and skipped.
func (s *Session) handle(data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("malformed push frame", zap.Error(err))
		return nil
	}

	switch f.Type {
	case TypeNewMessage:
		publishDecoded[chat.Message](s, bus.KindNewMessage, f)
	case TypeReaction:
		publishDecoded[chat.Reaction](s, bus.KindReaction, f)
	case TypeReadUpdate:
		publishDecoded[chat.ReadUpdate](s, bus.KindReadUpdate, f)
	case TypeTyping:
		publishDecoded[chat.TypingSignal](s, bus.KindTyping, f)
	case TypeCredentialsRotated:
		var d rotatedData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			s.logger.Warn("malformed credentials-rotated frame", zap.Error(err))
			return nil
		}
		if err := s.creds.Rotate(d.Token); err != nil {
			s.logger.Warn("rejected rotated credentials", zap.Error(err))
			return nil
		}
		s.publish(bus.KindCredsRotated, nil)
	case TypeAuthError:
		var d authErrorData
		_ = json.Unmarshal(f.Data, &d)
		if d.Reason == "" {
			d.Reason = "unauthorized"
		}
		return &AuthError{Reason: d.Reason}
	case TypePong:
	default:
		s.logger.Debug("ignoring push frame", zap.String("type", f.Type))
	}
	return nil
}

func publishDecoded[T any](s *Session, kind string, f Frame) {
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		s.logger.Warn("malformed push payload", zap.String("type", f.Type), zap.Error(err))
		return
	}
	s.publish(kind, Inbound[T]{Room: f.Room, Data: v})
}

// rejectReason reads the reason from a rejected handshake body. Anything
// unreadable counts as an expired token, since refreshing is the only
// recovery available.
func rejectReason(resp *http.Response) string {
	if resp.Body == nil {
		return ReasonTokenExpired
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var d authErrorData
	if json.Unmarshal(data, &d) != nil || d.Reason == "" {
		return ReasonTokenExpired
	}
	return d.Reason
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
