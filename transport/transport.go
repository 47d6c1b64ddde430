// Package transport presents one streaming interface over the three
// mechanisms the backend speaks: one-shot HTTP, Server-Sent Events and
// WebSocket.
//
// A Conn delivers Messages in the order the wire produced them and closes
// its channel after exactly one terminal message (Done, Error or Closed).
// Payloads are forwarded untouched: a frame that is not valid JSON is still
// delivered as Data so the consumer can render it as text.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// CloseNormal ends a connection whose work is finished.
	CloseNormal = 1000
	// CloseCancel is the close code a client sends to signal a voluntary cancel.
	CloseCancel = 4001
)

// ErrSendUnsupported is returned by Send on transports with no upstream channel.
var ErrSendUnsupported = errors.New("transport: send not supported")

// Kind classifies a Message.
type Kind int

const (
	// KindData is one inbound payload.
	KindData Kind = iota
	// KindDone means the stream ended normally.
	KindDone
	// KindError means the connection failed or the server rejected the request.
	KindError
	// KindClosed means the connection was closed intentionally; Code carries the close code.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one event from a Conn.
type Message struct {
	Kind        Kind
	Data        []byte
	ContentType string // set by one-shot responses
	Err         error
	Retryable   bool
	Code        int
}

// Terminal reports whether m is the last message of its Conn.
func (m Message) Terminal() bool { return m.Kind != KindData }

// Adapter opens connections of one transport kind.
type Adapter interface {
	Open(ctx context.Context, endpoint string, payload any) (Conn, error)
}

// Conn is one open connection.
type Conn interface {
	// Send writes a payload upstream. Transports without an upstream
	// channel return ErrSendUnsupported.
	Send(payload any) error
	// Messages returns the inbound stream. It is closed after the terminal message.
	Messages() <-chan Message
	// Close tears the connection down. code and reason are sent on the wire
	// where the transport supports them (WebSocket) and echoed in the
	// terminal Closed message otherwise.
	Close(code int, reason string) error
}

// Encoded is a pre-encoded request body, used for multipart submissions.
type Encoded struct {
	ContentType string
	Body        io.Reader
}

// encodePayload turns a payload into a request body. nil yields no body,
// []byte is sent as-is, Encoded keeps its content type and anything else
// is marshalled to JSON.
func encodePayload(payload any) (io.Reader, string, error) {
	switch p := payload.(type) {
	case nil:
		return nil, "", nil
	case Encoded:
		return p.Body, p.ContentType, nil
	case *Encoded:
		return p.Body, p.ContentType, nil
	case []byte:
		return bytes.NewReader(p), "application/json", nil
	case json.RawMessage:
		return bytes.NewReader(p), "application/json", nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, "", fmt.Errorf("encoding payload: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func frameBytes(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return data, nil
	}
}

// pipe is the delivery half shared by every Conn: it stops blocking once
// the consumer has closed and guarantees a single terminal message.
type pipe struct {
	out      chan Message
	closed   chan struct{}
	code     int // written before closed is closed
	once     sync.Once
	finished sync.Once
}

func newPipe() *pipe {
	return &pipe{
		out:    make(chan Message, 64),
		closed: make(chan struct{}),
	}
}

// emit delivers a data message. It returns false if the consumer closed.
func (p *pipe) emit(m Message) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.out <- m:
		return true
	case <-p.closed:
		return false
	}
}

// finish delivers the terminal message and closes the channel.
func (p *pipe) finish(m Message) {
	p.finished.Do(func() {
		select {
		case p.out <- m:
		case <-p.closed:
			select {
			case p.out <- m:
			default:
			}
		}
		close(p.out)
	})
}

// markClosed records a consumer-side close with its close code. It
// reports whether this call was the first one.
func (p *pipe) markClosed(code int) bool {
	first := false
	p.once.Do(func() {
		first = true
		p.code = code
		close(p.closed)
	})
	return first
}

// closedMessage is the terminal message for a consumer-side close. Only
// valid once isClosed reports true.
func (p *pipe) closedMessage() Message {
	return Message{Kind: KindClosed, Code: p.code}
}

func (p *pipe) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// retryableStatus marks responses where the same request may succeed later.
func retryableStatus(code int) bool {
	return code == 429 || code == 503
}
