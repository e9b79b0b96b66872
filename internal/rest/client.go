// Package rest is the client for the chat backend's REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

// TokenProvider supplies the current bearer token.
type TokenProvider interface {
	Token() string
}

// RequestError is returned when the backend rejects a request or cannot be
// reached.
type RequestError struct {
	Op     string
	Status int // 0 when no response was received
	Reason string
	Err    error
}

func (e *RequestError) Error() string {
	msg := e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// Unauthorized reports whether err is a 401 from the backend.
func Unauthorized(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Status == http.StatusUnauthorized
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// SendRequest is the body of a send-message call.
type SendRequest struct {
	ClientID string           `json:"client_id"`
	Content  string           `json:"content"`
	Kind     chat.MessageKind `json:"kind"`
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	logger     *zap.Logger
}

// NewClient creates a client. A non-positive timeout defaults to 15s.
func NewClient(baseURL string, tokens TokenProvider, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
		logger: logger,
	}
}

// ListConversations fetches one page of the user's conversations. Pages
// start at 1.
func (c *Client) ListConversations(ctx context.Context, pageNum, limit int) ([]chat.Conversation, bool, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(pageNum))
	q.Set("limit", strconv.Itoa(limit))

	var out page[chat.Conversation]
	if err := c.do(ctx, "list conversations", http.MethodGet, "/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, false, err
	}
	return out.Items, out.HasMore, nil
}

// ListMessages fetches messages older than before (zero = newest page).
func (c *Client) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, bool, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var out page[chat.Message]
	if err := c.do(ctx, "list messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, false, err
	}
	return out.Items, out.HasMore, nil
}

// SendMessage posts a message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*chat.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out chat.Message
	if err := c.do(ctx, "send message", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkConversationRead marks every message in a conversation read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "mark conversation read", http.MethodPost, path, nil, nil)
}

// MarkMessageRead marks a single message read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	path := "/messages/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, "mark message read", http.MethodPost, path, nil, nil)
}

// React sets the user's reaction on a message and returns the full set.
func (c *Client) React(ctx context.Context, messageID, emoji string) (map[string]string, error) {
	path := "/messages/" + url.PathEscape(messageID) + "/reactions"
	var out struct {
		Reactions map[string]string `json:"reactions"`
	}
	if err := c.do(ctx, "react", http.MethodPost, path, map[string]string{"emoji": emoji}, &out); err != nil {
		return nil, err
	}
	return out.Reactions, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("rest request",
		zap.String("op", op),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RequestError{Op: op, Status: resp.StatusCode}
		var eb errorBody
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb) == nil {
			re.Reason = eb.Reason
			if re.Reason == "" {
				re.Reason = eb.Error
			}
		}
		return re
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
