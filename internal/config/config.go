package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as a string ("750ms", "2m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Profile is one signed-in identity: ~/.chatsync/profiles/<name>/profile.toml.
// Zero durations fall back to the component defaults.
type Profile struct {
	APIURL    string `toml:"api_url"`
	PushURL   string `toml:"push_url"`
	TokenFile string `toml:"token_file"`
	// UserID overrides the subject of the access token.
	UserID string `toml:"user_id,omitempty"`

	SettleDelay       Duration `toml:"settle_delay,omitempty"`
	TypingGap         Duration `toml:"typing_gap,omitempty"`
	TypingTTL         Duration `toml:"typing_ttl,omitempty"`
	ReconcileInterval Duration `toml:"reconcile_interval,omitempty"`
	ReconnectMin      Duration `toml:"reconnect_min,omitempty"`
	ReconnectMax      Duration `toml:"reconnect_max,omitempty"`
	RequestTimeout    Duration `toml:"request_timeout,omitempty"`
	PageSize          int      `toml:"page_size,omitempty"`
}

// Validate checks the fields the daemon cannot start without.
func (p *Profile) Validate() error {
	var errs []error
	if err := checkURL("api_url", p.APIURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("push_url", p.PushURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if p.TokenFile == "" {
		errs = append(errs, errors.New("token_file is required"))
	}
	if p.PageSize < 0 {
		errs = append(errs, fmt.Errorf("page_size must not be negative, got %d", p.PageSize))
	}
	if p.ReconnectMax.Duration > 0 && p.ReconnectMax.Duration < p.ReconnectMin.Duration {
		errs = append(errs, errors.New("reconnect_max must not be below reconnect_min"))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want a %v URL, got %q", field, schemes, raw)
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads a profile. A relative token_file is resolved against the
// profile's directory.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, err
	}
	if p.TokenFile != "" && !filepath.IsAbs(p.TokenFile) {
		p.TokenFile = filepath.Join(filepath.Dir(path), p.TokenFile)
	}
	return &p, nil
}

// SaveProfile writes a profile, creating parent dirs as needed.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
