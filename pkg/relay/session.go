package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	fws "github.com/gofiber/contrib/websocket"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-live/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

// outbound is one queued write. A close frame ends the write pump.
type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// peer is one client connection. Only writePump writes to conn.
type peer struct {
	id   string
	conn *fws.Conn
	out  chan outbound
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newPeer(id string, conn *fws.Conn) *peer {
	p := &peer{
		id:   id,
		conn: conn,
		out:  make(chan outbound, sendBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.writePump()
	return p
}

// send queues data. A client whose queue is full is dropped.
func (p *peer) send(data []byte) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.out <- outbound{data: data}:
		return true
	default:
		p.stop()
		return false
	}
}

// close sends a close frame and waits for the pump to finish.
func (p *peer) close(code int, reason string) {
	select {
	case p.out <- outbound{close: true, code: code, reason: reason}:
	case <-p.quit:
	default:
		p.stop()
	}
	select {
	case <-p.done:
	case <-time.After(writeWait):
	}
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.quit) })
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.stop()
		p.conn.Close()
		close(p.done)
	}()

	for {
		select {
		case m := <-p.out:
			deadline := time.Now().Add(writeWait)
			if m.close {
				p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(m.code, m.reason), deadline)
				return
			}
			p.conn.SetWriteDeadline(deadline)
			if err := p.conn.WriteMessage(websocket.TextMessage, m.data); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.quit:
			return
		}
	}
}

// session is the set of clients sharing one upstream connection.
type session struct {
	id     string
	relay  *Relay
	logger *slog.Logger

	initMu sync.Mutex

	mu        sync.Mutex
	users     map[string]*peer
	upstream  *websocket.Conn
	upMu      sync.Mutex
	setupDone bool
	cleanup   *time.Timer
	closing   bool
}

func newSession(id string, r *Relay) *session {
	return &session{
		id:     id,
		relay:  r,
		logger: r.logger.With("session", id),
		users:  make(map[string]*peer),
	}
}

func (s *session) add(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
		s.logger.Info("cleanup cancelled, user returned")
	}
	s.users[p.id] = p
}

// remove drops p and arms expire when the session becomes empty.
func (s *session) remove(p *peer, expire func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, p.id)
	n := len(s.users)
	if n == 0 && !s.closing {
		s.logger.Info("session empty, starting grace period", "grace", s.relay.opts.Grace)
		s.cleanup = time.AfterFunc(s.relay.opts.Grace, expire)
	}
	return n
}

func (s *session) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *session) peers(exclude *peer) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.users))
	for _, p := range s.users {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

// connect dials the upstream once per session.
func (s *session) connect(ctx context.Context, serviceURL, token string) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	connected := s.upstream != nil
	s.mu.Unlock()
	if connected {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Content-Type", "application/json")

	conn, resp, err := s.relay.opts.Dialer.DialContext(ctx, serviceURL, header)
	s.relay.metrics.RecordDial(err)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay: dial upstream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("relay: dial upstream: %w", err)
	}

	s.mu.Lock()
	s.upstream = conn
	s.setupDone = false
	s.mu.Unlock()

	s.relay.metrics.RoomOpened()
	s.logger.Info("upstream connected")
	go s.readUpstream(conn, time.Now())
	return nil
}

// readUpstream broadcasts every upstream message to all clients.
func (s *session) readUpstream(conn *websocket.Conn, opened time.Time) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("upstream closed", "error", err)
			break
		}
		s.relay.metrics.RecordRelayMessage("upstream")
		s.archiveUpstream(data)
		s.broadcast(data, nil)
	}

	conn.Close()
	s.relay.metrics.RoomClosed(time.Since(opened))

	s.mu.Lock()
	if s.upstream == conn {
		s.upstream = nil
		s.setupDone = false
	}
	closing := s.closing
	s.mu.Unlock()

	if !closing {
		for _, p := range s.peers(nil) {
			p.close(websocket.CloseInternalServerErr, ReasonUpstreamClosed)
		}
	}
}

// fromClient handles one client frame.
func (s *session) fromClient(p *peer, msg []byte) {
	env, err := protocol.Inspect(msg)
	if err == nil && env.Setup {
		if m := s.relay.opts.Model; m != "" {
			if rewritten, err := protocol.RewriteModel(msg, m); err == nil {
				msg = rewritten
			}
		}
		if !s.claimSetup() {
			s.logger.Debug("duplicate setup answered locally", "client", p.id)
			p.send(protocol.SetupCompleteFrame)
			return
		}
	}
	if err == nil && env.Ping {
		p.send(protocol.PongFrame)
		return
	}

	s.relay.metrics.RecordRelayMessage("client")
	if err := s.forward(msg); err != nil {
		s.logger.Warn("upstream write failed", "client", p.id, "error", err)
	}
	s.archiveClient(p, msg)
	s.broadcast(msg, p)
}

// claimSetup reports whether this is the first setup on the upstream.
func (s *session) claimSetup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setupDone {
		return false
	}
	s.setupDone = true
	return true
}

func (s *session) forward(msg []byte) error {
	s.mu.Lock()
	conn := s.upstream
	s.mu.Unlock()
	if conn == nil {
		return errNoUpstream
	}
	s.upMu.Lock()
	defer s.upMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *session) broadcast(msg []byte, exclude *peer) {
	for _, p := range s.peers(exclude) {
		if !p.send(msg) {
			s.logger.Warn("dropping slow client", "client", p.id)
		}
	}
}

// shutdown closes the upstream and every client.
func (s *session) shutdown() {
	s.mu.Lock()
	s.closing = true
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
	conn := s.upstream
	s.upstream = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, p := range s.peers(nil) {
		p.close(websocket.CloseGoingAway, "")
	}
}

type clientText struct {
	ClientContent      *turns `json:"client_content"`
	ClientContentCamel *turns `json:"clientContent"`
}

type turns struct {
	Turns []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"turns"`
}

type upstreamText struct {
	ServerContent *struct {
		InputTranscription  *protocol.Transcription `json:"inputTranscription"`
		OutputTranscription *protocol.Transcription `json:"outputTranscription"`
	} `json:"serverContent"`
}

func (s *session) archiveClient(p *peer, msg []byte) {
	a := s.relay.opts.Archive
	if a == nil {
		return
	}
	var v clientText
	if json.Unmarshal(msg, &v) != nil {
		return
	}
	cc := v.ClientContent
	if cc == nil {
		cc = v.ClientContentCamel
	}
	if cc == nil {
		return
	}
	for _, t := range cc.Turns {
		for _, part := range t.Parts {
			if part.Text != "" {
				a.Log(s.id, p.id, "UserText (Direct)", part.Text)
			}
		}
	}
}

func (s *session) archiveUpstream(data []byte) {
	a := s.relay.opts.Archive
	if a == nil {
		return
	}
	var v upstreamText
	if json.Unmarshal(data, &v) != nil || v.ServerContent == nil {
		return
	}
	sc := v.ServerContent
	for _, p := range s.peers(nil) {
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			a.Log(s.id, p.id, "GeminiText", t.Text)
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			a.Log(s.id, p.id, "UserText (Transcribed)", t.Text)
		}
	}
}
