package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestDirUsesHomeOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(HomeEnv, tmp)

	if got, want := Dir("main"), filepath.Join(tmp, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".chatsync"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestPathSuffixes(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("profiles", "test", "LOCK")},
		{"db", DBPath("test"), filepath.Join("profiles", "test", "chatsync.db")},
		{"log", LogPath("test"), filepath.Join("profiles", "test", "logs", "chatsyncd.log")},
		{"profile", ProfilePath("test"), filepath.Join("profiles", "test", "profile.toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s = %q, want suffix %q", tt.name, tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", dir, perm)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve without config = %q, want %q", got, DefaultName)
	}
	if err := config.Save(ConfigPath(), &config.Config{DefaultProfile: "school"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "school" {
		t.Errorf("Resolve with config = %q, want school", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve with flag = %q, want flag", got)
	}
}
