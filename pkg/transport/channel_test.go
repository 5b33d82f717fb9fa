package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-live/pkg/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeAgent accepts one connection and runs script on it.
func fakeAgent(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readN(t *testing.T, conn *websocket.Conn, n int) [][]byte {
	var out [][]byte
	for i := 0; i < n; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out
		}
		out = append(out, data)
	}
	return out
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func setupMsg() protocol.ClientMessage {
	return protocol.ClientMessage{Setup: &protocol.Setup{Model: "projects/p/locations/l/publishers/google/models/m"}}
}

func TestOpenHandshakeAndFrames(t *testing.T) {
	got := make(chan [][]byte, 1)
	srv := fakeAgent(t, func(conn *websocket.Conn) {
		got <- readN(t, conn, 2)
		conn.WriteMessage(websocket.TextMessage, protocol.SetupCompleteFrame)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"outputTranscription":{"text":"Hi"}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		readN(t, conn, 1)
	})

	ch := New(Options{
		URL:      wsURL(srv),
		Preamble: &protocol.Preamble{ServiceURL: "wss://upstream", SessionID: "room-1"},
		Setup:    setupMsg(),
	}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ch.Close(true)

	first := <-got
	if len(first) != 2 {
		t.Fatalf("server received %d messages, want 2", len(first))
	}
	if !strings.Contains(string(first[0]), `"session_id":"room-1"`) {
		t.Errorf("first message = %s, want preamble", first[0])
	}
	if !strings.Contains(string(first[1]), `"setup"`) {
		t.Errorf("second message = %s, want setup", first[1])
	}

	if ev := nextEvent(t, ch.Events()); ev.Type != EventOpened {
		t.Fatalf("event = %v, want opened", ev.Type)
	}
	ev := nextEvent(t, ch.Events())
	if ev.Frame.Kind != protocol.KindSetupComplete || !strings.Contains(string(ev.Frame.Setup), `"setup"`) {
		t.Errorf("setup frame = %+v", ev.Frame)
	}
	if ev := nextEvent(t, ch.Events()); ev.Frame.Kind != protocol.KindOutputTranscription {
		t.Errorf("frame = %v, want OUTPUT_TRANSCRIPTION", ev.Frame.Kind)
	}
	if ev := nextEvent(t, ch.Events()); ev.Frame.Kind != protocol.KindTurnComplete {
		t.Errorf("frame = %v, want TURN_COMPLETE", ev.Frame.Kind)
	}
	if !ch.IsReady() {
		t.Error("IsReady() = false")
	}
	if err := ch.Send(protocol.NewTextTurn("hello")); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

func TestSendBeforeReady(t *testing.T) {
	gotSetup := make(chan struct{})
	proceed := make(chan struct{})
	srv := fakeAgent(t, func(conn *websocket.Conn) {
		readN(t, conn, 1)
		close(gotSetup)
		<-proceed
		conn.WriteMessage(websocket.TextMessage, protocol.SetupCompleteFrame)
		readN(t, conn, 1)
	})

	ch := New(Options{URL: wsURL(srv), Setup: setupMsg()}, nil)
	if err := ch.Send(protocol.NewTextTurn("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() before Open = %v, want ErrNotConnected", err)
	}

	opened := make(chan error, 1)
	go func() { opened <- ch.Open(context.Background()) }()

	<-gotSetup
	if err := ch.Send(protocol.NewTextTurn("x")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() during handshake = %v, want ErrNotReady", err)
	}
	close(proceed)

	if err := <-opened; err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ch.Close(true)
}

func TestSetupTimeout(t *testing.T) {
	srv := fakeAgent(t, func(conn *websocket.Conn) {
		readN(t, conn, 2)
	})

	ch := New(Options{URL: wsURL(srv), Setup: setupMsg(), SetupTimeout: 100 * time.Millisecond}, nil)
	err := ch.Open(context.Background())

	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Open() error = %v, want *ConnectError", err)
	}
	if ce.Stage != StageAwait || !errors.Is(err, ErrSetupTimeout) {
		t.Errorf("ConnectError = %+v", ce)
	}
	if !IsRetryable(err) {
		t.Error("setup timeout should be retryable")
	}
	if _, ok := <-ch.Events(); ok {
		t.Error("events not closed after failed Open")
	}
}

func TestDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(Options{URL: wsURL(srv), Setup: setupMsg()}, nil).Open(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusForbidden {
		t.Fatalf("Open() error = %v", err)
	}
	if ce.IsRetryable() {
		t.Error("403 should not be retryable")
	}
}

func TestServerCloseIsLost(t *testing.T) {
	srv := fakeAgent(t, func(conn *websocket.Conn) {
		readN(t, conn, 1)
		conn.WriteMessage(websocket.TextMessage, protocol.SetupCompleteFrame)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})

	ch := New(Options{URL: wsURL(srv), Setup: setupMsg()}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	var closed Event
	for ev := range ch.Events() {
		if ev.Type == EventClosed {
			closed = ev
		}
	}
	if closed.Type != EventClosed || closed.Intentional {
		t.Fatalf("closed = %+v", closed)
	}
	var le *LostError
	if !errors.As(closed.Err, &le) || le.Code != websocket.CloseGoingAway {
		t.Errorf("Err = %v, want LostError code 1001", closed.Err)
	}
	if err := ch.Send(protocol.NewTextTurn("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after loss = %v", err)
	}
}

func TestCloseIntentional(t *testing.T) {
	srv := fakeAgent(t, func(conn *websocket.Conn) {
		readN(t, conn, 1)
		conn.WriteMessage(websocket.TextMessage, protocol.SetupCompleteFrame)
		readN(t, conn, 10)
	})

	ch := New(Options{URL: wsURL(srv), Setup: setupMsg()}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch.Close(true)
	ch.Close(true)

	var last Event
	for ev := range ch.Events() {
		last = ev
	}
	if last.Type != EventClosed || !last.Intentional || last.Err != nil {
		t.Errorf("last event = %+v, want intentional close", last)
	}
}

func TestProtocolErrorAfterOpenIsNotFatal(t *testing.T) {
	srv := fakeAgent(t, func(conn *websocket.Conn) {
		readN(t, conn, 1)
		conn.WriteMessage(websocket.TextMessage, protocol.SetupCompleteFrame)
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"message":"quota"}}`))
		readN(t, conn, 1)
	})

	ch := New(Options{URL: wsURL(srv), Setup: setupMsg()}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ch.Close(true)

	nextEvent(t, ch.Events()) // opened
	nextEvent(t, ch.Events()) // setup complete
	if ev := nextEvent(t, ch.Events()); ev.Type != EventError || !errors.Is(ev.Err, protocol.ErrInvalidMessage) {
		t.Errorf("event = %+v, want decode error", ev)
	}
	if ev := nextEvent(t, ch.Events()); ev.Frame.Kind != protocol.KindError || ev.Frame.Err != "quota" {
		t.Errorf("event = %+v, want ERROR frame", ev)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"forbidden upgrade", &ConnectError{Stage: StageDial, StatusCode: 403}, false},
		{"rate limited upgrade", &ConnectError{Stage: StageDial, StatusCode: 429}, true},
		{"server error upgrade", &ConnectError{Stage: StageDial, StatusCode: 502}, true},
		{"room closed during handshake", &ConnectError{Stage: StageAwait, Cause: &websocket.CloseError{Code: websocket.ClosePolicyViolation}}, false},
		{"setup timeout", &ConnectError{Stage: StageAwait, Cause: ErrSetupTimeout}, true},
		{"lost abnormally", &LostError{Code: websocket.CloseAbnormalClosure}, true},
		{"lost to policy", &LostError{Code: websocket.ClosePolicyViolation}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
