package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/model"
)

// maxEventSize bounds a single SSE line.
const maxEventSize = 1 << 20

// ErrStreamEnded is reported when an event stream closes before its
// [DONE] marker.
var ErrStreamEnded = errors.New("event stream ended before completion")

// SSE opens a long-lived Server-Sent Events connection. Each dispatched
// event's data is forwarded as one Data message.
type SSE struct {
	client *http.Client
	auth   Authorizer
	logger *zap.Logger
}

// NewSSE creates an SSE adapter. The client must not carry a total request
// timeout, since the response body stays open for the life of the stream.
func NewSSE(client *http.Client, auth Authorizer, logger *zap.Logger) *SSE {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSE{client: client, auth: auth, logger: logger}
}

// Open connects with GET when payload is nil and POST otherwise.
func (s *SSE) Open(ctx context.Context, endpoint string, payload any) (Conn, error) {
	body, contentType, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	applyAuth(s.auth, req.Header)

	c := &sseConn{pipe: newPipe(), cancel: cancel}
	go c.run(s.client, req, s.logger)
	return c, nil
}

type sseConn struct {
	*pipe
	cancel context.CancelFunc
}

func (c *sseConn) run(client *http.Client, req *http.Request, logger *zap.Logger) {
	defer c.cancel()

	resp, err := client.Do(req)
	if err != nil {
		if c.isClosed() {
			c.finish(c.closedMessage())
			return
		}
		c.finish(Message{Kind: KindError, Err: fmt.Errorf("connecting to event stream: %w", err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.finish(Message{Kind: KindError, Err: ReadServerError(resp), Retryable: retryableStatus(resp.StatusCode)})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var (
		data     []string
		complete bool
	)
	dispatch := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		complete = strings.TrimSpace(payload) == model.DoneMarker
		return c.emit(Message{Kind: KindData, Data: []byte(payload)})
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if !dispatch() {
				c.finish(c.closedMessage())
				return
			}
			if complete {
				c.finish(Message{Kind: KindDone})
				return
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			data = append(data, value)
		default:
			// event:, id: and retry: fields are not used by the backend.
		}
	}

	if err := scanner.Err(); err != nil {
		if c.isClosed() {
			c.finish(c.closedMessage())
			return
		}
		logger.Debug("event stream read failed", zap.String("url", req.URL.String()), zap.Error(err))
		c.finish(Message{Kind: KindError, Err: fmt.Errorf("reading event stream: %w", err)})
		return
	}

	// A final event without a trailing blank line still counts.
	if !dispatch() || c.isClosed() {
		c.finish(c.closedMessage())
		return
	}
	if !complete {
		logger.Debug("event stream ended early", zap.String("url", req.URL.String()))
		c.finish(Message{Kind: KindError, Err: ErrStreamEnded})
		return
	}
	c.finish(Message{Kind: KindDone})
}

func (c *sseConn) Send(any) error { return ErrSendUnsupported }

func (c *sseConn) Messages() <-chan Message { return c.out }

// Close aborts the request, which closes the underlying connection.
func (c *sseConn) Close(code int, _ string) error {
	if c.markClosed(code) {
		c.cancel()
	}
	return nil
}
