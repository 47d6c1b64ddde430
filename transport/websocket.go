package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeWriteTimeout = time.Second

// WebSocket opens a socket and forwards every inbound frame as Data. Send
// calls made before the handshake completes are queued and flushed, in
// order, once the socket is open.
type WebSocket struct {
	dialer *websocket.Dialer
	auth   Authorizer
	logger *zap.Logger
}

// NewWebSocket creates a WebSocket adapter.
func NewWebSocket(dialer *websocket.Dialer, auth Authorizer, logger *zap.Logger) *WebSocket {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{dialer: dialer, auth: auth, logger: logger}
}

// Open starts dialing and returns immediately. A non-nil payload is the
// first frame sent after the handshake.
func (w *WebSocket) Open(ctx context.Context, endpoint string, payload any) (Conn, error) {
	c := &wsConn{pipe: newPipe(), logger: w.logger}
	if payload != nil {
		frame, err := frameBytes(payload)
		if err != nil {
			return nil, err
		}
		c.pending = append(c.pending, frame)
	}

	header := http.Header{}
	applyAuth(w.auth, header)

	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	go c.run(dialCtx, w.dialer, endpoint, header)
	return c, nil
}

type wsConn struct {
	*pipe
	logger     *zap.Logger
	cancelDial context.CancelFunc

	mu      sync.Mutex // guards conn, pending and writes
	conn    *websocket.Conn
	pending [][]byte
}

func (c *wsConn) run(ctx context.Context, dialer *websocket.Dialer, endpoint string, header http.Header) {
	defer c.cancelDial()

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if c.isClosed() {
			c.finish(c.closedMessage())
			return
		}
		if resp != nil && resp.StatusCode >= 400 {
			c.finish(Message{Kind: KindError, Err: ReadServerError(resp), Retryable: retryableStatus(resp.StatusCode)})
			return
		}
		c.finish(Message{Kind: KindError, Err: fmt.Errorf("connecting to %s: %w", endpoint, err)})
		return
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		c.writeClose(conn, c.closedMessage().Code, "client cancel")
		conn.Close()
		c.finish(c.closedMessage())
		return
	}
	c.conn = conn
	for _, frame := range c.pending {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.mu.Unlock()
			conn.Close()
			c.finish(Message{Kind: KindError, Err: fmt.Errorf("flushing queued frames: %w", err)})
			return
		}
	}
	c.pending = nil
	c.mu.Unlock()

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(c.classifyReadError(err))
			return
		}
		if !c.emit(Message{Kind: KindData, Data: data}) {
			c.finish(c.closedMessage())
			return
		}
	}
}

func (c *wsConn) classifyReadError(err error) Message {
	if c.isClosed() {
		return c.closedMessage()
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseCancel:
			return Message{Kind: KindClosed, Code: ce.Code}
		case websocket.CloseNormalClosure:
			return Message{Kind: KindDone, Code: ce.Code}
		}
		return Message{Kind: KindError, Code: ce.Code, Err: fmt.Errorf("socket closed (%d): %s", ce.Code, ce.Text)}
	}
	return Message{Kind: KindError, Err: fmt.Errorf("reading socket: %w", err)}
}

// Send writes a text frame, or queues it while the handshake is in flight.
func (c *wsConn) Send(payload any) error {
	frame, err := frameBytes(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.conn == nil {
		c.pending = append(c.pending, frame)
		return nil
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *wsConn) Messages() <-chan Message { return c.out }

// Close sends a close frame carrying code, so the server can tell a
// voluntary cancel (CloseCancel) from a network failure.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	first := c.markClosed(code)
	conn := c.conn
	c.mu.Unlock()
	if !first {
		return nil
	}
	if conn == nil {
		c.cancelDial()
		return nil
	}
	c.mu.Lock()
	c.writeClose(conn, code, reason)
	c.mu.Unlock()
	return conn.Close()
}

func (c *wsConn) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		c.logger.Debug("writing close frame", zap.Int("code", code), zap.Error(err))
	}
}
