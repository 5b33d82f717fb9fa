// Package transport owns the duplex websocket to the agent: dial, relay
// preamble, setup handshake, keepalive and ordered delivery of inbound frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// Defaults for Options.
const (
	DefaultSetupTimeout     = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 120 * time.Second
	DefaultEventBuffer      = 256

	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

// Options configures a Channel.
type Options struct {
	URL    string
	Header http.Header

	// Preamble is sent before setup when talking to the relay.
	Preamble *protocol.Preamble

	// Setup is the handshake message. It is always the first protocol frame.
	Setup protocol.ClientMessage

	SetupTimeout     time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	EventBuffer      int

	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = DefaultSetupTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
}

// Channel is a single connection lifetime. Reconnecting means creating a
// new Channel. All methods are safe for concurrent use.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	opened      bool
	ready       bool
	loop        bool
	closing     bool
	intentional bool

	writeMu sync.Mutex

	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once
}

// New creates an unopened channel. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Channel {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:   opts,
		logger: logger.With("component", "transport"),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the lifecycle event stream. It is closed after the final
// EventClosed, or after a failed Open.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Open dials the endpoint, sends the preamble and setup, and blocks until
// the agent acknowledges setup. On failure it returns a *ConnectError and
// the channel is unusable.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.opened = true
	closing := c.closing
	c.mu.Unlock()

	if closing {
		return &ConnectError{URL: c.opts.URL, Stage: StageDial, Cause: ErrNotConnected}
	}
	if c.opts.URL == "" {
		c.closeEvents()
		return &ConnectError{Stage: StageDial, Cause: ErrNoURL}
	}

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.opts.HandshakeTimeout,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		ce := &ConnectError{URL: c.opts.URL, Stage: StageDial, Cause: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		c.closeEvents()
		return ce
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		c.closeEvents()
		return &ConnectError{URL: c.opts.URL, Stage: StageDial, Cause: ErrNotConnected}
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	fail := func(stage Stage, err error) error {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.closeEvents()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &ConnectError{URL: c.opts.URL, Stage: stage, Cause: err}
	}

	if c.opts.Preamble != nil {
		data, err := protocol.Encode(c.opts.Preamble)
		if err != nil {
			return fail(StagePreamble, err)
		}
		if err := c.write(conn, data); err != nil {
			return fail(StagePreamble, err)
		}
	}

	setupJSON, err := protocol.Encode(c.opts.Setup)
	if err != nil {
		return fail(StageSetup, err)
	}
	if err := c.write(conn, setupJSON); err != nil {
		return fail(StageSetup, err)
	}

	pending, err := c.awaitSetup(conn, setupJSON)
	if err != nil {
		return fail(StageAwait, err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return fail(StageAwait, ErrNotConnected)
	}
	c.ready = true
	c.loop = true
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.logger.Info("channel open", "url", c.opts.URL)
	c.emit(Event{Type: EventOpened})
	for _, f := range pending {
		c.emit(Event{Type: EventFrame, Frame: f})
	}

	loopDone := make(chan struct{})
	go c.readLoop(conn, loopDone)
	go c.keepAlive(conn, loopDone)
	return nil
}

// awaitSetup reads until SETUP_COMPLETE and returns every frame seen so
// far, in order, with the echo attached to the acknowledgement.
func (c *Channel) awaitSetup(conn *websocket.Conn, setupJSON []byte) ([]protocol.Frame, error) {
	conn.SetReadDeadline(time.Now().Add(c.opts.SetupTimeout))

	var pending []protocol.Frame
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrSetupTimeout
			}
			return nil, err
		}
		frames, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable message during setup", "error", err)
			continue
		}
		acked := false
		for _, f := range frames {
			switch f.Kind {
			case protocol.KindSetupComplete:
				if !acked {
					f.Setup = setupJSON
					acked = true
				}
			case protocol.KindError:
				if !acked {
					return nil, fmt.Errorf("agent rejected setup: %s", f.Err)
				}
			}
			pending = append(pending, f)
		}
		if acked {
			return pending, nil
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, loopDone chan struct{}) {
	defer close(loopDone)
	defer c.closeEvents()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		frames, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable message", "error", err)
			c.emit(Event{Type: EventError, Err: err})
			continue
		}
		for _, f := range frames {
			c.emit(Event{Type: EventFrame, Frame: f})
		}
	}
}

func (c *Channel) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	closing := c.closing
	intentional := c.intentional
	c.ready = false
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	ev := Event{Type: EventClosed, Intentional: closing && intentional}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = ce.Code
		ev.Reason = ce.Text
	}
	if !closing {
		ev.Err = &LostError{Code: ev.Code, Reason: ev.Reason, Cause: err}
		c.logger.Warn("channel lost", "code", ev.Code, "reason", ev.Reason, "error", err)
	} else {
		c.logger.Info("channel closed", "intentional", ev.Intentional)
	}

	select {
	case c.events <- ev:
	case <-time.After(closeGrace):
		c.logger.Warn("closed event dropped, consumer not reading")
	}
}

func (c *Channel) keepAlive(conn *websocket.Conn, loopDone chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				conn.Close()
				return
			}
		case <-loopDone:
			return
		case <-c.done:
			return
		}
	}
}

// emit delivers ev in order. Events are discarded once Close was called.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

// Send encodes and writes msg. It fails with ErrNotConnected when there
// is no live socket and ErrNotReady before setup is acknowledged.
func (c *Channel) Send(msg protocol.ClientMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded text frame under the same rules as Send.
func (c *Channel) SendRaw(data []byte) error {
	c.mu.Lock()
	conn, ready, closing := c.conn, c.ready, c.closing
	c.mu.Unlock()

	if conn == nil || closing {
		return ErrNotConnected
	}
	if !ready {
		return ErrNotReady
	}
	if err := c.write(conn, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the channel. intentional is reported on the final
// EventClosed. Calling Close more than once is a no-op.
func (c *Channel) Close(intentional bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.intentional = intentional
		conn := c.conn
		loop := c.loop
		c.mu.Unlock()

		close(c.done)

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGrace))
			c.writeMu.Unlock()
			conn.Close()
		}
		if !loop {
			c.closeEvents()
		}
	})
}

// IsReady reports whether the handshake completed and the socket is live.
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closing
}

// URL returns the endpoint this channel dials.
func (c *Channel) URL() string {
	return c.opts.URL
}
