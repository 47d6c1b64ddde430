package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"MUSE_CONFIG", "MUSE_API_URL", "MUSE_TOKEN", "MUSE_ADDR", "MUSE_DATA_DIR",
		"MUSE_LOG_LEVEL", "MUSE_LOG_FORMAT", "MUSE_SLACK_WEBHOOK", "MUSE_REDIS_ADDR",
		"MUSE_HISTORY_CAP", "MUSE_STREAM_TIMEOUT", "MUSE_TASK_TIMEOUT",
		"MUSE_LLM_URL", "MUSE_IMAGE_URL", "MUSE_TTS_URL", "MUSE_STT_URL", "MUSE_LORA_URL",
	} {
		t.Setenv(key, "")
	}
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.URL != "http://localhost:8000" {
		t.Errorf("API.URL = %q", cfg.API.URL)
	}
	if cfg.Server.Addr != "127.0.0.1:7080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if want := filepath.Join(home, ".muse"); cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
	if cfg.DatabasePath() != filepath.Join(cfg.DataDir, "muse.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if cfg.Session.HistoryCap != 10 || cfg.StreamTimeout() != 5*time.Minute || cfg.TaskTimeout() != 0 {
		t.Errorf("unexpected session config %+v", cfg.Session)
	}
	if cfg.SlackEnabled() || cfg.RedisEnabled() {
		t.Error("optional integrations should be disabled by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[api]
url = "https://api.example.com/"

[api.engines]
image = "https://gpu.example.com"

[logging]
level = "DEBUG"
format = "json"

[session]
history_cap = 4
task_timeout_seconds = 600

[slack]
webhook_url = "https://hooks.slack.com/services/T/B/X"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MUSE_HISTORY_CAP", "6")
	t.Setenv("MUSE_STT_URL", "https://stt.example.com")
	t.Setenv("MUSE_STREAM_TIMEOUT", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.URL != "https://api.example.com" {
		t.Errorf("API.URL = %q", cfg.API.URL)
	}
	if cfg.API.Engines["image"] != "https://gpu.example.com" || cfg.API.Engines["stt"] != "https://stt.example.com" {
		t.Errorf("Engines = %v", cfg.API.Engines)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Session.HistoryCap != 6 {
		t.Errorf("env should override file: HistoryCap = %d", cfg.Session.HistoryCap)
	}
	if cfg.StreamTimeout() != 90*time.Second || cfg.TaskTimeout() != 10*time.Minute {
		t.Errorf("timeouts = %s, %s", cfg.StreamTimeout(), cfg.TaskTimeout())
	}
	if !cfg.SlackEnabled() {
		t.Error("expected Slack enabled")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[api]\nurll = \"http://x\"\n"), 0o644)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parsing config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad api url", func(c *Config) { c.API.URL = "localhost:8000" }, "api.url"},
		{"unknown engine", func(c *Config) { c.API.Engines["video"] = "http://x" }, "unknown engine"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero history", func(c *Config) { c.Session.HistoryCap = 0 }, "history_cap"},
		{"negative timeout", func(c *Config) { c.Session.TaskTimeoutSeconds = -1 }, "timeouts"},
		{"bad webhook", func(c *Config) { c.Slack.WebhookURL = "nope" }, "slack.webhook_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DataDir = t.TempDir()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "muse")

	if tok, err := cfg.StoredToken(); err != nil || tok != "" {
		t.Fatalf("StoredToken on empty dir = %q, %v", tok, err)
	}
	if err := cfg.SaveToken("abc123"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	info, err := os.Stat(cfg.TokenPath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token permissions = %v", info.Mode().Perm())
	}
	if tok, _ := cfg.StoredToken(); tok != "abc123" {
		t.Fatalf("StoredToken = %q", tok)
	}
	if err := cfg.SaveToken(""); err != nil {
		t.Fatalf("clearing token: %v", err)
	}
	if _, err := os.Stat(cfg.TokenPath()); !os.IsNotExist(err) {
		t.Fatal("token file should be removed")
	}
}
