// Package config reads and writes ~/.besafe/config.toml.
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

// Duration is a time.Duration written as a TOML string such as "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.besafe/config.toml.
type Config struct {
	DefaultProfile    string   `toml:"default_profile"`
	APIURL            string   `toml:"api_url"`
	RealtimeURL       string   `toml:"realtime_url"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	AuthTimeout       Duration `toml:"auth_timeout"`
	ConfirmTimeout    Duration `toml:"confirm_timeout"`
	MetricsAddr       string   `toml:"metrics_addr,omitempty"`
	LogLevel          string   `toml:"log_level"`
}

// Defaults returns the stock configuration, pointing at a local dev server.
func Defaults() *Config {
	return &Config{
		DefaultProfile:    "main",
		APIURL:            "http://localhost:3000",
		RealtimeURL:       "ws://localhost:3000/ws",
		ReconnectAttempts: 5,
		ReconnectDelay:    Duration{time.Second},
		AuthTimeout:       Duration{10 * time.Second},
		ConfirmTimeout:    Duration{10 * time.Second},
		LogLevel:          "info",
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadOrDefault is Load, falling back to Defaults when the file is absent.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"api_url": c.APIURL, "realtime_url": c.RealtimeURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: %s %q is not an absolute url", name, raw)
		}
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("config: reconnect_attempts must not be negative")
	}
	for name, d := range map[string]Duration{
		"reconnect_delay": c.ReconnectDelay,
		"auth_timeout":    c.AuthTimeout,
		"confirm_timeout": c.ConfirmTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
