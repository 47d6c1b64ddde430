package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jxucoder/muse/model"
)

// Authorizer decorates outgoing requests with credentials.
type Authorizer interface {
	Apply(h http.Header)
}

func applyAuth(a Authorizer, h http.Header) {
	if a != nil {
		a.Apply(h)
	}
}

// Factory builds adapters that share one HTTP client, dialer, credentials
// and endpoint resolution rules.
type Factory struct {
	baseURL   string
	engines   map[string]string
	client    *http.Client
	streaming *http.Client
	dialer    *websocket.Dialer
	auth      Authorizer
	logger    *zap.Logger
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithEngineURL routes requests for the named engine to its own origin
// instead of the main API gateway.
func WithEngineURL(engine, baseURL string) FactoryOption {
	return func(f *Factory) {
		if baseURL != "" {
			f.engines[engine] = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient overrides the client used for request/response calls.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) {
		if c != nil {
			f.client = c
		}
	}
}

// WithAuthorizer sets the credential source.
func WithAuthorizer(a Authorizer) FactoryOption {
	return func(f *Factory) { f.auth = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFactory creates a Factory rooted at baseURL.
func NewFactory(baseURL string, opts ...FactoryOption) *Factory {
	f := &Factory{
		baseURL:   strings.TrimRight(baseURL, "/"),
		engines:   make(map[string]string),
		client:    &http.Client{Timeout: 60 * time.Second},
		streaming: &http.Client{},
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Adapter returns the adapter for kind.
func (f *Factory) Adapter(kind model.TransportKind) (Adapter, error) {
	switch kind {
	case model.TransportOneShot:
		return NewOneShot(f.client, f.auth, f.logger), nil
	case model.TransportSSE:
		return NewSSE(f.streaming, f.auth, f.logger), nil
	case model.TransportWebSocket:
		return NewWebSocket(f.dialer, f.auth, f.logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// URL resolves path against the engine's origin, falling back to the base URL.
func (f *Factory) URL(engine, path string) string {
	base := f.baseURL
	if override, ok := f.engines[engine]; ok {
		base = override
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// SocketURL is URL with the scheme switched to ws or wss.
func (f *Factory) SocketURL(engine, path string) string {
	raw := f.URL(engine, path)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// Endpoint resolves the URL appropriate for kind.
func (f *Factory) Endpoint(kind model.TransportKind, engine, path string) string {
	if kind == model.TransportWebSocket {
		return f.SocketURL(engine, path)
	}
	return f.URL(engine, path)
}

// Client returns the shared request/response client.
func (f *Factory) Client() *http.Client { return f.client }

// NewRequest builds an authorized request.
func (f *Factory) NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	applyAuth(f.auth, req.Header)
	return req, nil
}

// Do sends req with the shared client and converts non-2xx responses into
// a *ServerError. On success the caller owns resp.Body.
func (f *Factory) Do(req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", req.URL.Host, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, ReadServerError(resp)
	}
	return resp, nil
}
