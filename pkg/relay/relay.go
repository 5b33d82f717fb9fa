// Package relay proxies Live API websocket sessions between clients and the
// upstream service. Clients sharing a session id share one upstream
// connection: agent output reaches every client and client input is also
// mirrored to the other clients in the room.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	fws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/teslashibe/go-live/internal/gauth"
	"github.com/teslashibe/go-live/pkg/metrics"
	"github.com/teslashibe/go-live/pkg/protocol"
	"github.com/teslashibe/go-live/pkg/rooms"
)

// Defaults.
const (
	DefaultGrace           = 30 * time.Second
	DefaultPreambleTimeout = 10 * time.Second
	DefaultDialTimeout     = 15 * time.Second
)

// Close reasons sent to rejected clients.
const (
	ReasonRoomClosed     = "Room is closed"
	ReasonAuthFailed     = "Authentication failed"
	ReasonNoServiceURL   = "Service URL is required"
	ReasonInvalidJSON    = "Invalid JSON"
	ReasonUpstreamFailed = "Upstream connection failed"
	ReasonUpstreamClosed = "Upstream connection closed"
)

// Archiver receives conversation text. *archive.Logger satisfies it.
type Archiver interface {
	Log(session, client, sender, text string)
	Flush(session string)
}

// Options configures a Relay.
type Options struct {
	// Model replaces the model id in every setup frame when set.
	Model string

	// TokenSource supplies bearer tokens for clients that send none.
	TokenSource oauth2.TokenSource

	Rooms   *Rooms
	Archive Archiver
	Metrics *metrics.Metrics
	Dialer  *websocket.Dialer

	// Grace is how long an empty session keeps its upstream connection.
	Grace           time.Duration
	PreambleTimeout time.Duration
}

// Relay accepts client websockets and routes them to shared sessions.
type Relay struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a relay. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.PreambleTimeout <= 0 {
		opts.PreambleTimeout = DefaultPreambleTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultDialTimeout,
		}
	}
	if opts.Rooms == nil {
		opts.Rooms = NewRooms(nil, logger)
	}
	return &Relay{
		opts:     opts,
		logger:   logger.With("component", "relay"),
		metrics:  opts.Metrics,
		sessions: make(map[string]*session),
	}
}

// Rooms returns the room directory.
func (r *Relay) Rooms() *Rooms { return r.opts.Rooms }

// RegisterRoutes mounts the websocket endpoint at /ws and /.
func (r *Relay) RegisterRoutes(app *fiber.App) {
	upgrade := func(c *fiber.Ctx) error {
		if fws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	handler := fws.New(r.handleClient)
	app.Get("/ws", upgrade, handler)
	app.Get("/", func(c *fiber.Ctx) error {
		if !fws.IsWebSocketUpgrade(c) {
			return c.JSON(fiber.Map{"message": "Gemini Live API relay"})
		}
		return c.Next()
	}, handler)
}

func (r *Relay) handleClient(c *fws.Conn) {
	p := newPeer(uuid.NewString()[:8], c)
	defer func() {
		p.stop()
		<-p.done
	}()
	log := r.logger.With("client", p.id)

	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(r.opts.PreambleTimeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		log.Warn("no preamble", "error", err)
		return
	}
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	pre, err := protocol.ParsePreamble(data)
	if err != nil {
		r.reject(p, "invalid_preamble", websocket.ClosePolicyViolation, ReasonInvalidJSON)
		return
	}
	sid := pre.SessionID
	if sid == "" {
		sid = rooms.DefaultRoom
	}
	log = log.With("session", sid)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()

	if room := r.opts.Rooms.Ensure(ctx, sid); !room.Open() {
		log.Info("rejecting client, room closed")
		r.reject(p, "room_closed", websocket.ClosePolicyViolation, ReasonRoomClosed)
		return
	}

	token := pre.BearerToken
	if token == "" {
		if r.opts.TokenSource == nil {
			r.reject(p, "auth", websocket.ClosePolicyViolation, ReasonAuthFailed)
			return
		}
		if token, err = gauth.Bearer(r.opts.TokenSource); err != nil {
			log.Error("token generation failed", "error", err)
			r.reject(p, "auth", websocket.ClosePolicyViolation, ReasonAuthFailed)
			return
		}
	}
	if pre.ServiceURL == "" {
		r.reject(p, "service_url", websocket.ClosePolicyViolation, ReasonNoServiceURL)
		return
	}

	s := r.join(sid, p)
	r.metrics.ClientJoined()
	log.Info("client joined", "users", s.userCount())
	defer r.leave(s, p)

	if err := s.connect(ctx, pre.ServiceURL, token); err != nil {
		log.Error("upstream dial failed", "error", err)
		r.reject(p, "upstream", websocket.CloseInternalServerErr, ReasonUpstreamFailed)
		return
	}

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			log.Debug("client read ended", "error", err)
			return
		}
		c.SetReadDeadline(time.Now().Add(pongWait))
		s.fromClient(p, msg)
	}
}

func (r *Relay) reject(p *peer, reason string, code int, text string) {
	r.metrics.RecordRejected(reason)
	p.close(code, text)
}

// join adds p to the session, creating it and cancelling pending cleanup.
func (r *Relay) join(id string, p *peer) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r)
		r.sessions[id] = s
	}
	s.add(p)
	return s
}

// leave removes p and schedules cleanup once the session is empty.
func (r *Relay) leave(s *session, p *peer) {
	remaining := s.remove(p, func() { r.expire(s) })
	r.metrics.ClientLeft()
	r.logger.Info("client left", "session", s.id, "client", p.id, "users", remaining)
	if r.opts.Archive != nil {
		r.opts.Archive.Flush(s.id)
	}
}

// expire drops an empty session after its grace period.
func (r *Relay) expire(s *session) {
	r.mu.Lock()
	if s.userCount() > 0 || r.sessions[s.id] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	r.mu.Unlock()
	r.logger.Info("session expired", "session", s.id)
	s.shutdown()
}

// SessionCount returns the number of live sessions.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Users returns the number of clients in session id.
func (r *Relay) Users(id string) int {
	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.userCount()
}

// Shutdown closes every session and its clients.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.shutdown()
	}
}

var errNoUpstream = errors.New("relay: upstream not connected")
