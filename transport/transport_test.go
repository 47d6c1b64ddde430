package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jxucoder/muse/model"
)

// collect drains conn until its channel closes.
func collect(t *testing.T, conn Conn) []Message {
	t.Helper()
	var msgs []Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-conn.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		case <-timeout:
			t.Fatalf("timed out waiting for messages, got %+v", msgs)
		}
	}
}

func dataStrings(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Kind == KindData {
			out = append(out, string(m.Data))
		}
	}
	return out
}

type staticAuth string

func (a staticAuth) Apply(h http.Header) { h.Set("Authorization", "Bearer "+string(a)) }

// --- one-shot ---

func TestOneShotSuccess(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task_id":"t-1"}`))
	}))
	defer srv.Close()

	conn, err := NewOneShot(srv.Client(), staticAuth("tok"), nil).Open(context.Background(), srv.URL, map[string]string{"prompt": "hi"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msgs := collect(t, conn)
	if len(msgs) != 2 || msgs[0].Kind != KindData || msgs[1].Kind != KindDone {
		t.Fatalf("expected data+done, got %+v", msgs)
	}
	if string(msgs[0].Data) != `{"task_id":"t-1"}` {
		t.Fatalf("unexpected data %q", msgs[0].Data)
	}
	if msgs[0].ContentType != "application/json" {
		t.Fatalf("expected content type, got %q", msgs[0].ContentType)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected auth header, got %q", gotAuth)
	}
	if gotBody != `{"prompt":"hi"}` {
		t.Fatalf("unexpected request body %q", gotBody)
	}
}

func TestOneShotServerErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"prompt is empty"}`))
	}))
	defer srv.Close()

	conn, _ := NewOneShot(srv.Client(), nil, nil).Open(context.Background(), srv.URL, nil)
	msgs := collect(t, conn)
	if len(msgs) != 1 || msgs[0].Kind != KindError {
		t.Fatalf("expected single error, got %+v", msgs)
	}
	var se *ServerError
	if !errors.As(msgs[0].Err, &se) || se.StatusCode != 422 {
		t.Fatalf("expected ServerError 422, got %v", msgs[0].Err)
	}
	if UserMessage(msgs[0].Err) != "prompt is empty" {
		t.Fatalf("expected verbatim detail, got %q", UserMessage(msgs[0].Err))
	}
}

func TestOneShotConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	conn, err := NewOneShot(nil, nil, nil).Open(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msgs := collect(t, conn)
	if len(msgs) != 1 || msgs[0].Kind != KindError {
		t.Fatalf("expected error, got %+v", msgs)
	}
	if msgs[0].Retryable {
		t.Fatal("connection errors must not be retryable")
	}
	if UserMessage(msgs[0].Err) != GenericFailure {
		t.Fatalf("expected generic message, got %q", UserMessage(msgs[0].Err))
	}
}

// --- SSE ---

func TestSSEForwardsEventsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected SSE accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"token\":\"a\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: message\ndata: plain text\n\n")
		fmt.Fprint(w, "data: line1\ndata: line2\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	conn, err := NewSSE(srv.Client(), nil, nil).Open(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msgs := collect(t, conn)
	got := dataStrings(msgs)
	want := []string{`{"token":"a"}`, "plain text", "line1\nline2", "[DONE]"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if last := msgs[len(msgs)-1]; last.Kind != KindDone {
		t.Fatalf("expected done, got %+v", last)
	}
}

func TestSSEPostsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "data: %s", b) // no trailing blank line
	}))
	defer srv.Close()

	conn, _ := NewSSE(srv.Client(), nil, nil).Open(context.Background(), srv.URL, map[string]string{"prompt": "cat"})
	got := dataStrings(collect(t, conn))
	if len(got) != 1 || got[0] != `{"prompt":"cat"}` {
		t.Fatalf("unexpected data %q", got)
	}
}

func TestSSECloseAbortsConnection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	conn, _ := NewSSE(srv.Client(), nil, nil).Open(context.Background(), srv.URL, nil)
	first := <-conn.Messages()
	if string(first.Data) != "first" {
		t.Fatalf("unexpected first message %+v", first)
	}
	conn.Close(CloseCancel, "client cancel")

	msgs := collect(t, conn)
	last := msgs[len(msgs)-1]
	if last.Kind != KindClosed || last.Code != CloseCancel {
		t.Fatalf("expected closed 4001, got %+v", last)
	}
	if err := conn.Send("x"); !errors.Is(err, ErrSendUnsupported) {
		t.Fatalf("expected ErrSendUnsupported, got %v", err)
	}
}

func TestSSEEndWithoutDoneMarkerIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"token\":\"Half a sent\"}\n\n")
	}))
	defer srv.Close()

	conn, _ := NewSSE(srv.Client(), nil, nil).Open(context.Background(), srv.URL, nil)
	msgs := collect(t, conn)
	if got := dataStrings(msgs); len(got) != 1 || got[0] != `{"token":"Half a sent"}` {
		t.Fatalf("unexpected data %q", got)
	}
	last := msgs[len(msgs)-1]
	if last.Kind != KindError || !errors.Is(last.Err, ErrStreamEnded) || last.Retryable {
		t.Fatalf("expected non-retryable stream-ended error, got %+v", last)
	}
}

func TestSSEDoneMarkerEndsConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: partial\n\ndata: [DONE]\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	conn, _ := NewSSE(srv.Client(), nil, nil).Open(context.Background(), srv.URL, nil)
	msgs := collect(t, conn)
	if got := dataStrings(msgs); len(got) != 2 || got[1] != "[DONE]" {
		t.Fatalf("unexpected data %q", got)
	}
	if last := msgs[len(msgs)-1]; last.Kind != KindDone {
		t.Fatalf("expected done after the marker, got %+v", last)
	}
}

func TestSSEServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conn, _ := NewSSE(srv.Client(), nil, nil).Open(context.Background(), srv.URL, nil)
	msgs := collect(t, conn)
	if len(msgs) != 1 || msgs[0].Kind != KindError || !msgs[0].Retryable {
		t.Fatalf("expected retryable error, got %+v", msgs)
	}
	if UserMessage(msgs[0].Err) != "engine offline" {
		t.Fatalf("expected plain-text detail, got %q", UserMessage(msgs[0].Err))
	}
}

// --- WebSocket ---

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketFlushesQueuedSends(t *testing.T) {
	received := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frames []string
		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			frames = append(frames, string(data))
		}
		received <- frames
		conn.WriteMessage(websocket.TextMessage, []byte(`{"token":"ok"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	conn, err := NewWebSocket(nil, nil, nil).Open(context.Background(), wsURL(srv), map[string]string{"prompt": "p"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Issued before the handshake is likely done; must arrive after the initial payload.
	if err := conn.Send("second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := conn.Send(json.RawMessage(`{"n":3}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := collect(t, conn)
	frames := <-received
	want := []string{`{"prompt":"p"}`, "second", `{"n":3}`}
	if strings.Join(frames, "|") != strings.Join(want, "|") {
		t.Fatalf("expected frames %q, got %q", want, frames)
	}
	got := dataStrings(msgs)
	if len(got) != 2 || got[1] != "not json" {
		t.Fatalf("expected raw frame forwarded, got %q", got)
	}
	if last := msgs[len(msgs)-1]; last.Kind != KindDone {
		t.Fatalf("expected done on normal closure, got %+v", last)
	}
}

func TestWebSocketServerCancelCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCancel, "client cancel"), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	conn, _ := NewWebSocket(nil, nil, nil).Open(context.Background(), wsURL(srv), nil)
	msgs := collect(t, conn)
	last := msgs[len(msgs)-1]
	if last.Kind != KindClosed || last.Code != CloseCancel {
		t.Fatalf("expected closed 4001, got %+v", last)
	}
}

func TestWebSocketClientCloseSendsCode(t *testing.T) {
	codes := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"started"}`))
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			codes <- ce.Code
			return
		}
		codes <- -1
	}))
	defer srv.Close()

	conn, _ := NewWebSocket(nil, nil, nil).Open(context.Background(), wsURL(srv), nil)
	<-conn.Messages() // started
	if err := conn.Close(CloseCancel, "client cancel"); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case code := <-codes:
		if code != CloseCancel {
			t.Fatalf("server saw close code %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close frame")
	}
	msgs := collect(t, conn)
	if len(msgs) == 0 || msgs[len(msgs)-1].Kind != KindClosed {
		t.Fatalf("expected closed terminal, got %+v", msgs)
	}
	if err := conn.Send("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWebSocketAbnormalCloseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
		conn.Close()
	}))
	defer srv.Close()

	conn, _ := NewWebSocket(nil, nil, nil).Open(context.Background(), wsURL(srv), nil)
	msgs := collect(t, conn)
	if last := msgs[len(msgs)-1]; last.Kind != KindError || last.Code != websocket.CloseInternalServerErr {
		t.Fatalf("expected error 1011, got %+v", last)
	}
}

// --- factory ---

func TestFactoryResolvesEngineOverrides(t *testing.T) {
	f := NewFactory("https://api.example.com/", WithEngineURL("voice", "http://10.0.0.5:9000/"))

	if got := f.URL("", "/email/generate"); got != "https://api.example.com/email/generate" {
		t.Fatalf("unexpected base URL %q", got)
	}
	if got := f.URL("voice", "clone"); got != "http://10.0.0.5:9000/clone" {
		t.Fatalf("unexpected override URL %q", got)
	}
	if got := f.Endpoint(model.TransportWebSocket, "", "ws/email"); got != "wss://api.example.com/ws/email" {
		t.Fatalf("unexpected socket URL %q", got)
	}
	if got := f.SocketURL("voice", "stream"); got != "ws://10.0.0.5:9000/stream" {
		t.Fatalf("unexpected socket override %q", got)
	}
	if _, err := f.Adapter("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestFactoryDoReturnsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"not authenticated"}`))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFactory(srv.URL)
	req, _ := f.NewRequest(context.Background(), http.MethodGet, f.URL("", "/x"), nil)
	_, err := f.Do(req)
	var se *ServerError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized || se.Detail != "not authenticated" {
		t.Fatalf("expected 401 ServerError, got %v", err)
	}

	f = NewFactory(srv.URL, WithAuthorizer(staticAuth("abc")))
	req, _ = f.NewRequest(context.Background(), http.MethodGet, f.URL("", "/x"), nil)
	resp, err := f.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
}
