package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "main")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	h, err := ReadHolder(tmpDir)
	if err != nil {
		t.Fatalf("ReadHolder() error = %v", err)
	}
	if h.PID != os.Getpid() || h.Profile != "main" {
		t.Errorf("holder = %+v", h)
	}
	if time.Since(h.Since) > time.Minute {
		t.Errorf("holder since = %v", h.Since)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "work")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "work")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.Holder.PID != os.Getpid() || lockErr.Holder.Profile != "work" {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "main")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	h := parseHolder("pid=42\nprofile=school\ntime=2026-03-01T09:00:00Z\ngarbage\n")
	want := Holder{PID: 42, Profile: "school", Since: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if h != want {
		t.Errorf("parseHolder = %+v, want %+v", h, want)
	}
}
