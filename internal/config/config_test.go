package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.toml")
	body := `
api_url = "https://chat.example.com/api"
push_url = "wss://chat.example.com/ws"
token_file = "token"
settle_delay = "750ms"
reconcile_interval = "2m"
page_size = 25
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.SettleDelay.Duration != 750*time.Millisecond {
		t.Errorf("settle_delay = %v", p.SettleDelay)
	}
	if p.ReconcileInterval.Duration != 2*time.Minute {
		t.Errorf("reconcile_interval = %v", p.ReconcileInterval)
	}
	if p.TypingGap.Duration != 0 {
		t.Errorf("unset typing_gap = %v, want 0", p.TypingGap)
	}
	if p.TokenFile != filepath.Join(dir, "token") {
		t.Errorf("token_file = %q, want it resolved against the profile dir", p.TokenFile)
	}
	if p.PageSize != 25 {
		t.Errorf("page_size = %d", p.PageSize)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "main", "profile.toml")
	want := &Profile{
		APIURL:      "http://localhost:8080",
		PushURL:     "ws://localhost:8080/ws",
		TokenFile:   "/tmp/token",
		SettleDelay: Duration{time.Second},
	}
	if err := SaveProfile(path, want); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `settle_delay = "1s"`) {
		t.Errorf("durations should be written as strings:\n%s", raw)
	}
	got, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadProfileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(`settle_delay = "soon"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("expected error for an unparsable duration")
	}
}

func TestProfileValidate(t *testing.T) {
	valid := Profile{APIURL: "https://a.example", PushURL: "wss://a.example/ws", TokenFile: "/t"}

	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr string
	}{
		{"valid", func(*Profile) {}, ""},
		{"missing api", func(p *Profile) { p.APIURL = "" }, "api_url is required"},
		{"push over http", func(p *Profile) { p.PushURL = "https://a.example/ws" }, "push_url"},
		{"api without host", func(p *Profile) { p.APIURL = "https://" }, "api_url"},
		{"missing token", func(p *Profile) { p.TokenFile = "" }, "token_file is required"},
		{"negative page", func(p *Profile) { p.PageSize = -1 }, "page_size"},
		{"backoff inverted", func(p *Profile) {
			p.ReconnectMin = Duration{time.Minute}
			p.ReconnectMax = Duration{time.Second}
		}, "reconnect_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
