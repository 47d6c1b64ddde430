package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// OneShot issues a single HTTP POST and synthesizes a Data message from
// the full response body followed by Done.
type OneShot struct {
	client *http.Client
	auth   Authorizer
	logger *zap.Logger
}

// NewOneShot creates a one-shot adapter.
func NewOneShot(client *http.Client, auth Authorizer, logger *zap.Logger) *OneShot {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OneShot{client: client, auth: auth, logger: logger}
}

// Open sends the request in the background and returns immediately.
func (o *OneShot) Open(ctx context.Context, endpoint string, payload any) (Conn, error) {
	body, contentType, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	applyAuth(o.auth, req.Header)

	c := &oneShotConn{pipe: newPipe(), cancel: cancel}
	go c.run(o.client, req, o.logger)
	return c, nil
}

type oneShotConn struct {
	*pipe
	cancel context.CancelFunc
}

func (c *oneShotConn) run(client *http.Client, req *http.Request, logger *zap.Logger) {
	defer c.cancel()

	resp, err := client.Do(req)
	if err != nil {
		if c.isClosed() {
			c.finish(c.closedMessage())
			return
		}
		logger.Debug("one-shot request failed", zap.String("url", req.URL.String()), zap.Error(err))
		c.finish(Message{Kind: KindError, Err: fmt.Errorf("connecting to %s: %w", req.URL.Host, err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := ReadServerError(resp)
		c.finish(Message{Kind: KindError, Err: se, Retryable: retryableStatus(resp.StatusCode)})
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.isClosed() {
			c.finish(c.closedMessage())
			return
		}
		c.finish(Message{Kind: KindError, Err: fmt.Errorf("reading response: %w", err)})
		return
	}

	if !c.emit(Message{Kind: KindData, Data: data, ContentType: resp.Header.Get("Content-Type")}) {
		c.finish(c.closedMessage())
		return
	}
	c.finish(Message{Kind: KindDone})
}

func (c *oneShotConn) Send(any) error { return ErrSendUnsupported }

func (c *oneShotConn) Messages() <-chan Message { return c.out }

func (c *oneShotConn) Close(code int, _ string) error {
	if c.markClosed(code) {
		c.cancel()
	}
	return nil
}
