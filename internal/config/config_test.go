package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Defaults()
	cfg.DefaultProfile = "work"
	cfg.ReconnectDelay = Duration{1500 * time.Millisecond}
	cfg.MetricsAddr = "127.0.0.1:9464"
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
	if loaded.ReconnectDelay.Duration != 1500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 1.5s", loaded.ReconnectDelay)
	}
	if loaded.MetricsAddr != "127.0.0.1:9464" {
		t.Errorf("MetricsAddr = %q", loaded.MetricsAddr)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_url = \"https://chat.example.com\"\nauth_timeout = \"3s\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIURL != "https://chat.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.AuthTimeout.Duration != 3*time.Second {
		t.Errorf("AuthTimeout = %v, want 3s", cfg.AuthTimeout)
	}
	if cfg.ReconnectAttempts != 5 || cfg.ConfirmTimeout.Duration != 10*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"relative api url", func(c *Config) { c.APIURL = "localhost:3000" }, true},
		{"negative attempts", func(c *Config) { c.ReconnectAttempts = -1 }, true},
		{"negative delay", func(c *Config) { c.ReconnectDelay = Duration{-time.Second} }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"empty realtime url", func(c *Config) { c.RealtimeURL = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBadDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("reconnect_delay = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an unparsable duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Defaults()); err != nil {
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
