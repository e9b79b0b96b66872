package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestInspect(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	info, err := Inspect(signed(t, "tutor-1", exp))
	if err != nil {
		t.Fatal(err)
	}
	if info.UserID != "tutor-1" || !info.ExpiresAt.Equal(exp) {
		t.Errorf("info = %+v", info)
	}

	if _, err := Inspect("opaque-token"); err == nil {
		t.Error("opaque token should not parse")
	}
}

func TestRefreshFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	tok := signed(t, "u1", time.Now().Add(time.Hour))
	if err := os.WriteFile(path, []byte(tok+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(FileSource{Path: path}, nil)
	got, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != tok || s.Token() != tok || s.UserID() != "u1" {
		t.Errorf("token not loaded: %q user=%q", s.Token(), s.UserID())
	}
	if s.Expired(time.Now()) {
		t.Error("fresh token reported expired")
	}
	if !s.Expired(time.Now().Add(2 * time.Hour)) {
		t.Error("token should be expired in two hours")
	}
}

func TestRefreshRejectsExpired(t *testing.T) {
	s := NewStore(StaticSource(signed(t, "u1", time.Now().Add(-time.Minute))), nil)
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("err = %v, want ErrExpiredToken", err)
	}
	if s.Token() != "" {
		t.Error("expired token should not be adopted")
	}
}

func TestRefreshMissingSource(t *testing.T) {
	s := NewStore(FileSource{Path: filepath.Join(t.TempDir(), "missing")}, nil)
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := NewStore(StaticSource(""), nil).Refresh(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestRotate(t *testing.T) {
	s := NewStore(StaticSource("opaque-1"), nil)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Expired(time.Now().Add(100 * time.Hour)) {
		t.Error("opaque token should never report expired")
	}

	next := signed(t, "u9", time.Now().Add(time.Hour))
	if err := s.Rotate(next); err != nil {
		t.Fatal(err)
	}
	if s.Token() != next || s.UserID() != "u9" {
		t.Errorf("rotation not adopted: user=%q", s.UserID())
	}
	if err := s.Rotate("  "); !errors.Is(err, ErrNoToken) {
		t.Errorf("blank rotation err = %v", err)
	}
}
