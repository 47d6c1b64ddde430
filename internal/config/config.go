// Package config provides configuration management for Muse.
//
// Values are resolved in three layers: built-in defaults, then the optional
// TOML file (~/.muse/config.toml by default), then MUSE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Engines that can be routed to their own origin.
var Engines = []string{"llm", "image", "tts", "stt", "lora"}

// API describes the inference backend.
type API struct {
	// URL is the API gateway every engine falls back to.
	URL string `toml:"url"`
	// Engines maps an engine name to its own origin.
	Engines map[string]string `toml:"engines"`
	// Token is a previously issued bearer token.
	Token string `toml:"token"`
}

// Server configures the local dashboard API.
type Server struct {
	Addr string `toml:"addr"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Session configures streaming sessions and job polling.
type Session struct {
	HistoryCap int `toml:"history_cap"`
	// StreamTimeoutSeconds bounds one streamed request. 0 disables the bound.
	StreamTimeoutSeconds int `toml:"stream_timeout_seconds"`
	// TaskTimeoutSeconds bounds how long a job is polled. 0 disables the bound.
	TaskTimeoutSeconds int `toml:"task_timeout_seconds"`
}

// Slack configures task notifications (optional).
type Slack struct {
	WebhookURL string `toml:"webhook_url"`
}

// Redis configures the shared conversation history backend (optional).
type Redis struct {
	Addr     string `toml:"addr"`
	TTLHours int    `toml:"ttl_hours"`
}

// Config holds all configuration for Muse.
type Config struct {
	API     API     `toml:"api"`
	Server  Server  `toml:"server"`
	DataDir string  `toml:"data_dir"`
	Logging Logging `toml:"logging"`
	Session Session `toml:"session"`
	Slack   Slack   `toml:"slack"`
	Redis   Redis   `toml:"redis"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API:     API{URL: "http://localhost:8000", Engines: map[string]string{}},
		Server:  Server{Addr: "127.0.0.1:7080"},
		DataDir: defaultDataDir(),
		Logging: Logging{Level: "info", Format: "console"},
		Session: Session{HistoryCap: 10, StreamTimeoutSeconds: 300},
		Redis:   Redis{TTLHours: 24},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// Load reads the config file at path (DefaultPath when empty), applies
// environment overrides and validates the result. A missing file is not an
// error. The data directory is created.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = envOr("MUSE_CONFIG", DefaultPath())
	}
	if err := cfg.readFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.API.URL = envOr("MUSE_API_URL", c.API.URL)
	c.API.Token = envOr("MUSE_TOKEN", c.API.Token)
	c.Server.Addr = envOr("MUSE_ADDR", c.Server.Addr)
	c.DataDir = envOr("MUSE_DATA_DIR", c.DataDir)
	c.Logging.Level = envOr("MUSE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("MUSE_LOG_FORMAT", c.Logging.Format)
	c.Slack.WebhookURL = envOr("MUSE_SLACK_WEBHOOK", c.Slack.WebhookURL)
	c.Redis.Addr = envOr("MUSE_REDIS_ADDR", c.Redis.Addr)
	c.Session.HistoryCap = envOrInt("MUSE_HISTORY_CAP", c.Session.HistoryCap)
	c.Session.StreamTimeoutSeconds = envOrSeconds("MUSE_STREAM_TIMEOUT", c.Session.StreamTimeoutSeconds)
	c.Session.TaskTimeoutSeconds = envOrSeconds("MUSE_TASK_TIMEOUT", c.Session.TaskTimeoutSeconds)

	if c.API.Engines == nil {
		c.API.Engines = map[string]string{}
	}
	for _, name := range Engines {
		if v := os.Getenv("MUSE_" + strings.ToUpper(name) + "_URL"); v != "" {
			c.API.Engines[name] = v
		}
	}
}

func (c *Config) normalize() {
	c.API.URL = strings.TrimRight(strings.TrimSpace(c.API.URL), "/")
	for name, u := range c.API.Engines {
		c.API.Engines[name] = strings.TrimRight(strings.TrimSpace(u), "/")
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := validURL("api.url", c.API.URL); err != nil {
		return err
	}
	for name, u := range c.API.Engines {
		if !knownEngine(name) {
			return fmt.Errorf("api.engines: unknown engine %q", name)
		}
		if err := validURL("api.engines."+name, u); err != nil {
			return err
		}
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Session.HistoryCap < 1 {
		return fmt.Errorf("session.history_cap must be at least 1, got %d", c.Session.HistoryCap)
	}
	if c.Session.StreamTimeoutSeconds < 0 || c.Session.TaskTimeoutSeconds < 0 {
		return errors.New("session timeouts must not be negative")
	}
	if c.Slack.WebhookURL != "" {
		if err := validURL("slack.webhook_url", c.Slack.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath is the SQLite database location.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "muse.db") }

// ArtifactDir receives binary job results.
func (c *Config) ArtifactDir() string { return filepath.Join(c.DataDir, "artifacts") }

// StreamTimeout returns the per-request stream bound.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Session.StreamTimeoutSeconds) * time.Second
}

// TaskTimeout returns the job polling bound.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Session.TaskTimeoutSeconds) * time.Second
}

// RedisTTL is how long idle conversation history is kept in Redis.
func (c *Config) RedisTTL() time.Duration { return time.Duration(c.Redis.TTLHours) * time.Hour }

// SlackEnabled returns true if task notifications go to Slack.
func (c *Config) SlackEnabled() bool { return c.Slack.WebhookURL != "" }

// RedisEnabled returns true if conversation history is kept in Redis.
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

func validURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: %q is not an http(s) URL", field, raw)
	}
	return nil
}

func knownEngine(name string) bool {
	for _, e := range Engines {
		if e == name {
			return true
		}
	}
	return false
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envOrSeconds accepts a Go duration ("90s", "5m") or a plain number of seconds.
func envOrSeconds(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return int(d / time.Second)
	}
	return envOrInt(key, fallback)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muse"
	}
	return filepath.Join(home, ".muse")
}
