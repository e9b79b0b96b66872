// Package credentials holds the bearer token shared by the push session and
// the REST client. Tokens are consumed, never issued: a refresh re-reads the
// configured source, and the server may rotate the token mid-session.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrNoToken      = errors.New("no credentials available")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the token claims the client cares about. The signature is not
// verified; the server does that.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Info is what can be learned from a token without verifying it.
type Info struct {
	UserID    string
	ExpiresAt time.Time
}

// Inspect decodes a JWT without verifying it. Opaque tokens return an error.
func Inspect(token string) (Info, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Info{}, fmt.Errorf("parse token: %w", err)
	}
	info := Info{UserID: claims.UserID}
	if info.UserID == "" {
		info.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Source yields a current token on demand.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// FileSource reads the token from a file, e.g. one kept fresh by the hosting
// application.
type FileSource struct {
	Path string
}

// Token reads and trims the file.
func (f FileSource) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// StaticSource always returns the same token.
type StaticSource string

// Token returns the static token.
func (s StaticSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Store is the process-wide holder of the current token.
type Store struct {
	mu     sync.RWMutex
	token  string
	info   Info
	source Source
	logger *zap.Logger
}

// NewStore creates a store backed by source. Call Refresh to load a token.
func NewStore(source Source, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{source: source, logger: logger}
}

// Token returns the current token, or "".
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the user ID carried in the current token, if any.
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.UserID
}

// Expired reports whether the current token is known to be expired at now.
// Opaque tokens never report expired.
func (s *Store) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.info.ExpiresAt.IsZero() && !now.Before(s.info.ExpiresAt)
}

// Rotate adopts a token pushed by the server.
func (s *Store) Rotate(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	s.set(token)
	s.logger.Info("credentials rotated")
	return nil
}

// Refresh reloads the token from the source. It fails with ErrExpiredToken
// if the source only has an expired token.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	if s.source == nil {
		return "", ErrNoToken
	}
	tok, err := s.source.Token(ctx)
	if err != nil {
		return "", err
	}
	if info, err := Inspect(tok); err == nil && !info.ExpiresAt.IsZero() && !time.Now().Before(info.ExpiresAt) {
		return "", ErrExpiredToken
	}
	s.set(tok)
	return tok, nil
}

func (s *Store) set(token string) {
	info, err := Inspect(token)
	if err != nil {
		s.logger.Debug("token is opaque, expiry unknown")
		info = Info{}
	}
	s.mu.Lock()
	s.token = token
	s.info = info
	s.mu.Unlock()
}
