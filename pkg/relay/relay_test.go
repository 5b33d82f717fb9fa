package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/teslashibe/go-live/pkg/protocol"
	"github.com/teslashibe/go-live/pkg/rooms"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// upstream is a fake Live API endpoint.
type upstream struct {
	srv   *httptest.Server
	msgs  chan []byte
	auth  chan string
	conns chan *websocket.Conn
	ended chan struct{}
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		msgs:  make(chan []byte, 64),
		auth:  make(chan string, 8),
		conns: make(chan *websocket.Conn, 8),
		ended: make(chan struct{}, 8),
	}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { u.ended <- struct{}{} }()
		defer conn.Close()
		u.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"setup"`) {
				conn.WriteMessage(websocket.TextMessage, protocol.SetupCompleteFrame)
			}
			u.msgs <- data
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url() string { return "ws" + strings.TrimPrefix(u.srv.URL, "http") }

func (u *upstream) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-u.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream message")
	}
	return nil
}

// startRelay serves r on a loopback port and returns its websocket URL.
func startRelay(t *testing.T, r *Relay) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	r.RegisterRoutes(app)
	r.RegisterAPIRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() {
		r.Shutdown()
		app.Shutdown()
	})
	return "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, url string, pre protocol.Preamble) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	data, _ := json.Marshal(pre)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write preamble: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const setupOld = `{"setup":{"model":"projects/p/locations/us-central1/publishers/google/models/old-model"}}`

type recordingArchive struct {
	mu      sync.Mutex
	lines   []string
	flushes int
}

func (a *recordingArchive) Log(session, client, sender, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, session+"|"+sender+"|"+text)
}

func (a *recordingArchive) Flush(string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes++
}

func (a *recordingArchive) has(line string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.lines {
		if l == line {
			return true
		}
	}
	return false
}

func TestRelaySharedSession(t *testing.T) {
	up := newUpstream(t)
	arch := &recordingArchive{}
	r := New(Options{Model: "new-model", Archive: arch}, nil)
	url := startRelay(t, r)
	pre := protocol.Preamble{BearerToken: "tok", ServiceURL: up.url(), SessionID: "r1"}

	a := dial(t, url, pre)
	send(t, a, setupOld)
	got := up.next(t)
	if !strings.Contains(string(got), "/models/new-model") {
		t.Errorf("upstream setup = %s, want model rewritten", got)
	}
	if auth := <-up.auth; auth != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer tok")
	}
	if msg := read(t, a); msg != string(protocol.SetupCompleteFrame) {
		t.Errorf("client A got %s, want setupComplete", msg)
	}

	b := dial(t, url, pre)
	waitFor(t, "second user", func() bool { return r.Users("r1") == 2 })
	send(t, b, setupOld)
	if msg := read(t, b); msg != string(protocol.SetupCompleteFrame) {
		t.Errorf("client B got %s, want synthetic setupComplete", msg)
	}

	send(t, b, string(protocol.PingFrame))
	if msg := read(t, b); msg != string(protocol.PongFrame) {
		t.Errorf("ping reply = %s, want pong", msg)
	}

	text := `{"client_content":{"turns":[{"role":"user","parts":[{"text":"hello room"}]}],"turn_complete":true}}`
	send(t, b, text)
	if got := up.next(t); string(got) != text {
		t.Errorf("upstream got %s, want client text (duplicate setup must not be forwarded)", got)
	}
	if msg := read(t, a); msg != text {
		t.Errorf("client A mirror = %s, want %s", msg, text)
	}

	conn := <-up.conns
	reply := `{"serverContent":{"outputTranscription":{"text":"Hi all"}}}`
	conn.WriteMessage(websocket.TextMessage, []byte(reply))
	if msg := read(t, a); msg != reply {
		t.Errorf("client A got %s", msg)
	}
	if msg := read(t, b); msg != reply {
		t.Errorf("client B got %s", msg)
	}

	waitFor(t, "archived text", func() bool {
		return arch.has("r1|UserText (Direct)|hello room") && arch.has("r1|GeminiText|Hi all")
	})
	if r.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", r.SessionCount())
	}
}

func TestRelayRejects(t *testing.T) {
	up := newUpstream(t)
	tests := []struct {
		name   string
		ts     oauth2.TokenSource
		pre    protocol.Preamble
		closed bool
		reason string
	}{
		{"closed room", nil, protocol.Preamble{BearerToken: "t", ServiceURL: up.url(), SessionID: "gone"}, true, ReasonRoomClosed},
		{"no token source", nil, protocol.Preamble{ServiceURL: up.url(), SessionID: "r"}, false, ReasonAuthFailed},
		{"no service url", nil, protocol.Preamble{BearerToken: "t", SessionID: "r"}, false, ReasonNoServiceURL},
		{"generated token needs url", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "gen"}), protocol.Preamble{SessionID: "r"}, false, ReasonNoServiceURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := NewRooms(nil, nil)
			if tt.closed {
				dir.Ensure(context.Background(), tt.pre.SessionID)
				dir.Close(context.Background(), tt.pre.SessionID)
			}
			r := New(Options{Rooms: dir, TokenSource: tt.ts}, nil)
			conn := dial(t, startRelay(t, r), tt.pre)

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("read error = %v, want close", err)
			}
			if ce.Code != websocket.ClosePolicyViolation || ce.Text != tt.reason {
				t.Errorf("close = %d %q, want 1008 %q", ce.Code, ce.Text, tt.reason)
			}
		})
	}
}

func TestRelayGeneratesToken(t *testing.T) {
	up := newUpstream(t)
	r := New(Options{TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "adc"})}, nil)
	dial(t, startRelay(t, r), protocol.Preamble{ServiceURL: up.url()})

	select {
	case auth := <-up.auth:
		if auth != "Bearer adc" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer adc")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never dialled")
	}
	waitFor(t, "default session", func() bool { return r.Users(rooms.DefaultRoom) == 1 })
}

func TestRelayGraceCleanup(t *testing.T) {
	up := newUpstream(t)
	r := New(Options{Grace: 50 * time.Millisecond}, nil)
	url := startRelay(t, r)
	pre := protocol.Preamble{BearerToken: "t", ServiceURL: up.url(), SessionID: "g"}

	c := dial(t, url, pre)
	<-up.conns
	c.Close()

	waitFor(t, "session cleanup", func() bool { return r.SessionCount() == 0 })
	select {
	case <-up.ended:
	case <-time.After(2 * time.Second):
		t.Error("upstream still open after cleanup")
	}
}

func TestRelayGraceCancelledOnReturn(t *testing.T) {
	up := newUpstream(t)
	r := New(Options{Grace: 200 * time.Millisecond}, nil)
	url := startRelay(t, r)
	pre := protocol.Preamble{BearerToken: "t", ServiceURL: up.url(), SessionID: "g"}

	first := dial(t, url, pre)
	<-up.conns
	first.Close()
	waitFor(t, "empty session", func() bool { return r.Users("g") == 0 })

	dial(t, url, pre)
	waitFor(t, "user returned", func() bool { return r.Users("g") == 1 })
	time.Sleep(300 * time.Millisecond)

	if r.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", r.SessionCount())
	}
	select {
	case <-up.conns:
		t.Error("upstream dialled twice")
	default:
	}
}

func TestRoomsDirectory(t *testing.T) {
	dir := NewRooms(nil, nil)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	first, err := dir.Create(ctx, "  Standup ")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.Name != "Standup" || first.Status != rooms.StatusOpen {
		t.Errorf("Create() = %+v", first)
	}
	second, _ := dir.Create(ctx, "")
	if second.Name != "Room-"+second.ID[:8] {
		t.Errorf("default name = %q", second.Name)
	}

	list := dir.List()
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("List() = %+v, want newest first", list)
	}

	closed, err := dir.Close(ctx, first.ID)
	if err != nil || closed.Status != rooms.StatusClosed || closed.ClosedAt == nil {
		t.Errorf("Close() = %+v, %v", closed, err)
	}
	if _, err := dir.Close(ctx, first.ID); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := dir.Close(ctx, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Close(missing) error = %v, want ErrRoomNotFound", err)
	}
	if got := dir.List(); len(got) != 1 {
		t.Errorf("List() after close = %d rooms, want 1", len(got))
	}

	auto := dir.Ensure(ctx, "abcdef123456")
	if auto.Name != "Session-abcdef12" || !auto.Open() {
		t.Errorf("Ensure() = %+v", auto)
	}
	if again := dir.Ensure(ctx, "abcdef123456"); again.CreatedAt != auto.CreatedAt {
		t.Error("Ensure() recreated an existing room")
	}
}

func TestRoomAPI(t *testing.T) {
	r := New(Options{}, nil)
	app := fiber.New()
	r.RegisterAPIRoutes(app)

	do := func(method, path, body string) (int, string) {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}

	code, body := do(http.MethodPost, "/room", `{"name":"Design review"}`)
	if code != http.StatusOK {
		t.Fatalf("POST /room = %d %s", code, body)
	}
	var room rooms.Room
	if err := json.Unmarshal([]byte(body), &room); err != nil || room.ID == "" || room.Name != "Design review" {
		t.Fatalf("POST /room body = %s", body)
	}

	if code, body := do(http.MethodGet, "/rooms", ""); code != http.StatusOK || !strings.Contains(body, room.ID) {
		t.Errorf("GET /rooms = %d %s", code, body)
	}
	if code, _ := do(http.MethodGet, "/room/"+room.ID, ""); code != http.StatusOK {
		t.Errorf("GET /room/{id} = %d", code)
	}
	if code, _ := do(http.MethodGet, "/room/nope", ""); code != http.StatusNotFound {
		t.Errorf("GET /room/nope = %d, want 404", code)
	}
	if code, _ := do(http.MethodPost, "/room/"+room.ID+"/close", ""); code != http.StatusOK {
		t.Errorf("POST close = %d", code)
	}
	if code, _ := do(http.MethodPost, "/room/nope/close", ""); code != http.StatusNotFound {
		t.Errorf("POST close missing = %d, want 404", code)
	}
	if _, body := do(http.MethodGet, "/rooms", ""); strings.Contains(body, room.ID) {
		t.Errorf("closed room still listed: %s", body)
	}
}

func TestRoomsAgainstClient(t *testing.T) {
	r := New(Options{}, nil)
	url := startRelay(t, r)

	c, err := rooms.NewClient(url, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx := context.Background()
	room, err := c.Create(ctx, "Pairing")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, ok := r.Rooms().Get(room.ID); !ok {
		t.Errorf("room %s not in relay directory", room.ID)
	}
	if err := c.Close(ctx, room.ID); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if got, _ := r.Rooms().Get(room.ID); got.Open() {
		t.Error("room still open after client Close")
	}
}

func TestMetadataPath(t *testing.T) {
	room := rooms.Room{ID: "abc", CreatedAt: time.Date(2026, 2, 3, 23, 0, 0, 0, time.FixedZone("PST", -8*3600))}
	if got, want := MetadataPath(room), "rooms/2026-02/04/abc/metadata.json"; got != want {
		t.Errorf("MetadataPath() = %q, want %q", got, want)
	}
}

func TestGCSStore(t *testing.T) {
	var mu sync.Mutex
	var uploads []string
	meta := `{"room_id":"abc","name":"Kept","status":"open","created_at":"2026-02-03T10:00:00Z","closed_at":null}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/"):
			raw, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploads = append(uploads, string(raw))
			mu.Unlock()
			w.Write([]byte(`{"name":"x","bucket":"meta"}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/meta/o"):
			w.Write([]byte(`{"items":[{"name":"rooms/2026-02/03/abc/metadata.json"},{"name":"rooms/notes.txt"}]}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/abc/metadata.json"):
			w.Write([]byte(meta))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	store, err := NewGCSStore(ctx, "meta",
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewGCSStore: %v", err)
	}

	dir := NewRooms(store, nil)
	if err := dir.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got, ok := dir.Get("abc"); !ok || got.Name != "Kept" {
		t.Errorf("restored room = %+v, %v", got, ok)
	}

	room, err := dir.Create(ctx, "Fresh")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(uploads) != 1 || !strings.Contains(uploads[0], MetadataPath(room)) || !strings.Contains(uploads[0], `"name":"Fresh"`) {
		t.Errorf("uploads = %v", uploads)
	}
}
