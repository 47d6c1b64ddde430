// Package auth holds the authentication state shared by panels and
// transports. It is passed explicitly to whatever needs it; Login, Logout
// and Revalidate are the only operations that change it.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/transport"
)

// ErrUnauthenticated is returned when the backend rejects the current credentials.
var ErrUnauthenticated = errors.New("not authenticated")

// Context is the injected authentication state.
type Context struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu       sync.RWMutex
	token    string
	username string
	onChange []func(authenticated bool)
}

// Option customizes a Context.
type Option func(*Context)

// WithToken restores a previously issued token.
func WithToken(token string) Option {
	return func(c *Context) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Context) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Context for the backend at baseURL.
func New(baseURL string, opts ...Option) *Context {
	c := &Context{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsAuthenticated reports whether a token is held.
func (c *Context) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Username returns the user that logged in, if known.
func (c *Context) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Token returns the current bearer token.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Apply sets the Authorization header when authenticated.
func (c *Context) Apply(h http.Header) {
	if token := c.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// OnChange registers a callback invoked after the authenticated flag flips.
func (c *Context) OnChange(fn func(authenticated bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
}

// Login exchanges credentials for a token.
func (c *Context) Login(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return errors.New("username and password are required")
	}
	body, _ := json.Marshal(loginRequest{Username: username, Password: password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrUnauthenticated, transport.ReadServerError(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transport.ReadServerError(resp)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("parsing login response: %w", err)
	}
	token := lr.AccessToken
	if token == "" {
		token = lr.Token
	}
	if token == "" {
		return errors.New("login response carried no token")
	}

	c.set(token, username)
	c.logger.Info("logged in", zap.String("user", username))
	return nil
}

// Logout drops the token locally and tells the backend, best effort.
func (c *Context) Logout(ctx context.Context) {
	token := c.Token()
	c.set("", "")
	if token == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/logout", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("logout request failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Revalidate confirms the held token is still accepted. It is the single
// entry point to call when the dashboard regains focus. A rejected token is
// cleared; network failures leave the state untouched.
func (c *Context) Revalidate(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return ErrUnauthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return fmt.Errorf("building revalidate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to auth service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.set("", "")
		c.logger.Info("session expired")
		return ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return transport.ReadServerError(resp)
	}

	var me struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err == nil && me.Username != "" {
		c.mu.Lock()
		c.username = me.Username
		c.mu.Unlock()
	}
	return nil
}

func (c *Context) set(token, username string) {
	c.mu.Lock()
	was := c.token != ""
	c.token = token
	c.username = username
	now := c.token != ""
	callbacks := append([]func(bool){}, c.onChange...)
	c.mu.Unlock()

	if was != now {
		for _, fn := range callbacks {
			fn(now)
		}
	}
}
