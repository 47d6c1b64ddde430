package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TokenPath is where `muse login` keeps the bearer token.
func (c *Config) TokenPath() string { return filepath.Join(c.DataDir, "token") }

// StoredToken returns the token saved by SaveToken, or "" if there is none.
func (c *Config) StoredToken() (string, error) {
	data, err := os.ReadFile(c.TokenPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveToken persists token with owner-only permissions. An empty token
// removes the file.
func (c *Config) SaveToken(token string) error {
	if token == "" {
		if err := os.Remove(c.TokenPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing token: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(c.TokenPath(), []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}
