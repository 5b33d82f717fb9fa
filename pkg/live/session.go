// Package live runs a real-time multimodal conversation with a Gemini Live
// agent through the relay: one connection per session, automatic
// reconnection, transcript assembly, tool calls and local media.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/teslashibe/go-live/internal/gauth"
	"github.com/teslashibe/go-live/pkg/audioio"
	"github.com/teslashibe/go-live/pkg/liveconfig"
	"github.com/teslashibe/go-live/pkg/media"
	"github.com/teslashibe/go-live/pkg/metrics"
	"github.com/teslashibe/go-live/pkg/protocol"
	"github.com/teslashibe/go-live/pkg/reconnect"
	"github.com/teslashibe/go-live/pkg/rooms"
	"github.com/teslashibe/go-live/pkg/router"
	"github.com/teslashibe/go-live/pkg/tools"
	"github.com/teslashibe/go-live/pkg/transcript"
	"github.com/teslashibe/go-live/pkg/transport"
)

var (
	// ErrNotConnected indicates the operation needs a live connection.
	ErrNotConnected = transport.ErrNotConnected

	// ErrBusy indicates Connect was called while a connection exists.
	ErrBusy = errors.New("live: session already connected")

	// ErrConfigLocked indicates UpdateConfig was called while connected.
	ErrConfigLocked = errors.New("live: configuration is locked while connected")

	// ErrSessionClosed indicates the Session was shut down with Close.
	ErrSessionClosed = errors.New("live: session closed")

	// ErrNoDirectory indicates no room directory was configured.
	ErrNoDirectory = errors.New("live: no room directory configured")
)

// System markers written to the transcript.
const (
	MarkerConnectFirst = "[Connect to Gemini first]"
	MarkerMicOn        = "[Microphone on]"
	MarkerMicOff       = "[Microphone off]"
	MarkerCameraOn     = "[Camera on]"
	MarkerCameraOff    = "[Camera off]"
	MarkerScreenOn     = "[Screen sharing on]"
	MarkerScreenOff    = "[Screen sharing off]"
)

// Directory creates and closes rooms. *rooms.Client satisfies it.
type Directory interface {
	Create(ctx context.Context, name string) (rooms.Room, error)
	Close(ctx context.Context, id string) error
}

// Archiver receives finished transcript entries. *archive.Logger
// satisfies it.
type Archiver interface {
	Log(session, client, sender, text string)
	Flush(session string)
}

// SinkFactory opens the playback device for one connection.
type SinkFactory func() (audioio.Sink, error)

// Options configures a Session.
type Options struct {
	// ProxyURL is the relay websocket endpoint.
	ProxyURL string

	// ServiceURL is the upstream endpoint passed to the relay. Defaults to
	// the Vertex AI endpoint for the configured location.
	ServiceURL string

	// Config is the initial configuration. Zero means liveconfig.Default().
	Config liveconfig.Config

	// Policy controls reconnection. Zero means reconnect.DefaultPolicy().
	Policy reconnect.Policy

	// TokenSource supplies the bearer token for the preamble. When nil the
	// relay authenticates with its own credentials.
	TokenSource oauth2.TokenSource

	// Tools are registered next to the built-in alert tool. A tool is
	// advertised only when Config.Tools names it.
	Tools []tools.Tool

	Directory  Directory
	Archive    Archiver
	ClientID   string
	Metrics    *metrics.Metrics
	Speaker    SinkFactory
	Microphone media.SourceFactory
	Camera     media.FrameSourceFactory
	Screen     media.FrameSourceFactory

	SetupTimeout time.Duration
	EventBuffer  int
	Dialer       *websocket.Dialer
}

// ConnectOptions select media started right after connecting.
type ConnectOptions struct {
	UseMic    bool
	MicDevice string

	UseCamera bool
	Camera    media.Constraints
}

// Session is one conversation. Inbound events are applied by a single
// goroutine; public methods are safe for concurrent use but must not be
// called from event or tool callbacks that run on it.
type Session struct {
	opts      Options
	logger    *slog.Logger
	base      *slog.Logger // handed to child components, which tag themselves
	metrics   *metrics.Metrics
	assembler *transcript.Assembler
	registry  *tools.Registry

	mic    *media.AudioCapture
	camera *media.VideoCapture
	screen *media.VideoCapture

	mu         sync.Mutex
	state      State
	cfg        liveconfig.Config
	setup      protocol.ClientMessage
	roomID     string
	echo       []byte
	volume     float64
	ch         *transport.Channel
	pending    *transport.Channel
	sup        *reconnect.Supervisor
	dispatcher *tools.Dispatcher
	player     *media.AudioPlayer
	router     *router.Router
	closed     bool

	inbox    chan func()
	events   chan Event
	quit     chan struct{}
	loopDone chan struct{}
	once     sync.Once
}

// New creates an idle session. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProxyURL == "" {
		return nil, transport.ErrNoURL
	}
	if opts.Config.Model == "" {
		opts.Config = liveconfig.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Policy == (reconnect.Policy{}) {
		opts.Policy = reconnect.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()[:8]
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Speaker == nil {
		opts.Speaker = func() (audioio.Sink, error) {
			return audioio.NewSink(audioio.PlaybackConfig(), logger)
		}
	}
	if opts.Microphone == nil {
		opts.Microphone = media.DefaultSourceFactory(logger)
	}
	if opts.Camera == nil {
		opts.Camera = unavailable("camera")
	}
	if opts.Screen == nil {
		opts.Screen = unavailable("screen")
	}

	base := logger.With("client", opts.ClientID)
	s := &Session{
		opts:      opts,
		logger:    base.With("component", "session"),
		base:      base,
		metrics:   opts.Metrics,
		assembler: transcript.NewAssembler(),
		registry:  tools.NewRegistry(),
		cfg:       opts.Config,
		volume:    1,
		inbox:     make(chan func(), 256),
		events:    make(chan Event, opts.EventBuffer),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	if err := s.registry.Register(tools.Alert(func(msg string) {
		s.notify(router.Notification{Level: router.LevelInfo, Message: msg})
	})); err != nil {
		return nil, err
	}
	for _, t := range opts.Tools {
		if err := s.registry.Register(t); err != nil {
			return nil, err
		}
	}

	s.mic = media.NewAudioCapture(opts.Microphone, mediaSender{s, "audio"}, base)
	s.camera = media.NewVideoCapture("camera", opts.Camera, mediaSender{s, "video"}, base)
	s.screen = media.NewVideoCapture("screen", opts.Screen, mediaSender{s, "screen"}, base)

	if opts.Archive != nil {
		s.assembler.OnFinished(s.archive)
	}

	s.metrics.SetState("", StateIdle.String())
	go s.run()
	return s, nil
}

func unavailable(kind string) media.FrameSourceFactory {
	return func(media.Constraints) (media.FrameSource, error) {
		return nil, fmt.Errorf("%s capture is not configured", kind)
	}
}

// run is the single consumer that applies inbound events.
func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// do runs fn on the event goroutine and waits for it.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return
	}
	select {
	case <-done:
	case <-s.quit:
	}
}

// Events returns the session event stream. Events are dropped when the
// consumer falls behind. The channel is closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the routing key of the current or last connection.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// ClientID returns the id used for archiving.
func (s *Session) ClientID() string { return s.opts.ClientID }

// Setup returns the handshake echoed with the last SETUP_COMPLETE.
func (s *Session) Setup() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.echo
}

// Transcript returns a copy of the conversation log.
func (s *Session) Transcript() transcript.Log { return s.assembler.Snapshot() }

// Registry exposes the tool registry for registering tools before Connect.
func (s *Session) Registry() *tools.Registry { return s.registry }

// Config returns a copy of the configuration used for the next connection.
func (s *Session) Config() liveconfig.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cfg
	c.Tools = append([]string(nil), c.Tools...)
	c.ResponseModalities = append([]liveconfig.Modality(nil), c.ResponseModalities...)
	return c
}

// UpdateConfig replaces the configuration. It is only allowed while no
// connection exists.
func (s *Session) UpdateConfig(cfg liveconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateClosed {
		return ErrConfigLocked
	}
	s.cfg = cfg
	return nil
}

// CreateAndConnect creates a room named name and connects to it using the
// returned room id as is.
func (s *Session) CreateAndConnect(ctx context.Context, name string, co ConnectOptions) (rooms.Room, error) {
	if s.opts.Directory == nil {
		return rooms.Room{}, ErrNoDirectory
	}
	room, err := s.opts.Directory.Create(ctx, name)
	if err != nil {
		return rooms.Room{}, err
	}
	return room, s.Connect(ctx, room.ID, co)
}

// Connect opens a connection to roomID ("default" when empty), performs
// the handshake and starts the media requested by co. A handshake failure
// is returned as a *transport.ConnectError and is not retried.
func (s *Session) Connect(ctx context.Context, roomID string, co ConnectOptions) error {
	if roomID == "" {
		roomID = rooms.DefaultRoom
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateIdle && s.state != StateClosed {
		s.mu.Unlock()
		return ErrBusy
	}
	snap, err := s.cfg.Freeze()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.setup = snap.Setup(s.registry.Freeze(snap))
	s.roomID = roomID
	s.echo = nil
	prev := s.state
	s.state = StateConnecting
	s.mu.Unlock()

	s.changed(prev, StateConnecting, nil)
	s.assembler.Reset()

	player := s.newPlayer(ctx)
	dispatcher := tools.NewDispatcher(s.registry, s, s.base)
	dispatcher.OnResult(s.toolResult)

	var p router.Player
	if player != nil {
		p = player
	}
	r := router.New(s.assembler, p, dispatcher, s.base)
	r.OnStatus(s.status)
	r.OnNotification(s.notify)

	sup := reconnect.NewSupervisor(s.opts.Policy, s.redial, s.base, reconnect.WithRetryable(transport.IsRetryable))
	sup.OnEvent(s.reconnectEvent)

	s.mu.Lock()
	s.player, s.dispatcher, s.router, s.sup = player, dispatcher, r, sup
	s.mu.Unlock()

	ch, err := s.open(ctx)
	if err != nil {
		s.release()
		s.notify(router.Notification{Level: router.LevelError, Message: "Connection failed: " + err.Error()})
		s.setState(StateClosed, err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		ch.Close(true)
		return ErrNotConnected
	}
	s.ch = ch
	s.mu.Unlock()
	sup.Connected()
	go s.pump(ch)
	s.setState(StateConnected, nil)
	s.logger.Info("connected", "room", roomID)

	if co.UseMic {
		s.StartMic(ctx, co.MicDevice)
	}
	if co.UseCamera {
		c := co.Camera
		if c.FPS == 0 {
			c = media.DefaultConstraints()
		}
		s.StartCamera(ctx, c)
	}
	return nil
}

func (s *Session) newPlayer(ctx context.Context) *media.AudioPlayer {
	sink, err := s.opts.Speaker()
	if err != nil {
		s.notify(router.Notification{Level: router.LevelWarn, Message: "Audio output unavailable: " + err.Error()})
		return nil
	}
	player := media.NewAudioPlayer(sink, audioio.PlaybackRate, s.base)
	player.OnPlayback(
		func() { s.emit(Event{Type: EventPlayback, Playing: true}) },
		func() { s.emit(Event{Type: EventPlayback, Playing: false}) },
	)
	if err := player.Init(ctx); err != nil {
		player.Destroy()
		s.notify(router.Notification{Level: router.LevelWarn, Message: "Audio output unavailable: " + err.Error()})
		return nil
	}
	s.mu.Lock()
	player.SetVolume(s.volume)
	s.mu.Unlock()
	return player
}

// open dials a new channel for the current room and setup.
func (s *Session) open(ctx context.Context) (*transport.Channel, error) {
	s.mu.Lock()
	setup, room := s.setup, s.roomID
	location := s.cfg.Location
	s.mu.Unlock()

	preamble := &protocol.Preamble{SessionID: room, ServiceURL: s.opts.ServiceURL}
	if preamble.ServiceURL == "" {
		preamble.ServiceURL = protocol.ServiceURL(location)
	}
	if s.opts.TokenSource != nil {
		tok, err := gauth.Bearer(s.opts.TokenSource)
		if err != nil {
			return nil, &transport.ConnectError{URL: s.opts.ProxyURL, Stage: transport.StagePreamble, Cause: err}
		}
		preamble.BearerToken = tok
	}

	ch := transport.New(transport.Options{
		URL:          s.opts.ProxyURL,
		Preamble:     preamble,
		Setup:        setup,
		SetupTimeout: s.opts.SetupTimeout,
		Dialer:       s.opts.Dialer,
	}, s.base)
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// redial is the supervisor's dialer. The new channel is adopted on the
// event goroutine once the supervisor reports success.
func (s *Session) redial(ctx context.Context, attempt int) error {
	ch, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnecting || s.state == StateClosed {
		ch.Close(true)
		return ErrNotConnected
	}
	if s.pending != nil {
		s.pending.Close(true)
	}
	s.pending = ch
	return nil
}

func (s *Session) pump(ch *transport.Channel) {
	for ev := range ch.Events() {
		if !s.post(func() { s.handle(ch, ev) }) {
			return
		}
	}
}

// handle applies one transport event on the event goroutine.
func (s *Session) handle(ch *transport.Channel, ev transport.Event) {
	s.mu.Lock()
	current := s.ch == ch
	r, sup, state := s.router, s.sup, s.state
	s.mu.Unlock()
	if !current {
		return
	}

	switch ev.Type {
	case transport.EventFrame:
		s.metrics.RecordFrame(ev.Frame.Kind.String())
		r.Route(ev.Frame)

	case transport.EventError:
		s.logger.Warn("transport error", "error", ev.Err)

	case transport.EventClosed:
		if ev.Err == nil {
			return
		}
		s.mu.Lock()
		s.ch = nil
		s.mu.Unlock()
		if state != StateConnected {
			return
		}
		if !transport.IsRetryable(ev.Err) {
			s.logger.Error("connection closed", "code", ev.Code, "reason", ev.Reason)
			s.notify(router.Notification{Level: router.LevelError, Message: "Connection closed: " + ev.Err.Error()})
			go s.Disconnect(context.Background(), false)
			return
		}
		s.setState(StateReconnecting, ev.Err)
		sup.Lost(ev.Err)
	}
}

// reconnectEvent runs on the supervisor goroutine.
func (s *Session) reconnectEvent(ev reconnect.Event) {
	s.post(func() {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == StateDisconnecting || state == StateClosed {
			return
		}

		switch ev.Type {
		case reconnect.EventReconnecting:
			s.metrics.RecordReconnectAttempt()
			s.setState(StateReconnecting, nil)
			s.emit(Event{Type: EventReconnecting, Attempt: ev.Attempt, Delay: ev.Delay})
			s.notify(router.Notification{
				Level:   router.LevelWarn,
				Message: fmt.Sprintf("Connection lost. Retrying in %s...", ev.Delay),
			})

		case reconnect.EventReconnected:
			s.mu.Lock()
			ch := s.pending
			s.pending = nil
			s.ch = ch
			s.mu.Unlock()
			if ch == nil {
				return
			}
			s.metrics.RecordReconnect("ok")
			go s.pump(ch)
			s.setState(StateConnected, nil)

		case reconnect.EventGaveUp:
			s.metrics.RecordReconnect("gave_up")
			s.notify(router.Notification{Level: router.LevelError, Message: "Reconnect failed: " + ev.Err.Error()})
			go s.Disconnect(context.Background(), false)
		}
	})
}

// Disconnect closes the connection, stops all media and releases the
// speaker. An intentional disconnect also closes the room in the
// directory unless it is the default room.
func (s *Session) Disconnect(ctx context.Context, intentional bool) error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateClosed || s.state == StateDisconnecting {
		s.mu.Unlock()
		return nil
	}
	sup, room, prev := s.sup, s.roomID, s.state
	s.state = StateDisconnecting
	s.mu.Unlock()

	s.changed(prev, StateDisconnecting, nil)
	if sup != nil {
		sup.Close()
	}

	s.stopMedia()
	s.release()

	if s.opts.Archive != nil {
		s.opts.Archive.Flush(room)
	}

	var err error
	if intentional && room != rooms.DefaultRoom && s.opts.Directory != nil {
		if err = s.opts.Directory.Close(ctx, room); err != nil {
			s.logger.Warn("room close failed", "room", room, "error", err)
			s.notify(router.Notification{Level: router.LevelWarn, Message: "Could not close room: " + err.Error()})
		}
	}

	s.setState(StateClosed, nil)
	s.logger.Info("disconnected", "room", room, "intentional", intentional)
	return err
}

// release closes the channels, the dispatcher and the player.
func (s *Session) release() {
	s.mu.Lock()
	ch, pending := s.ch, s.pending
	dispatcher, player := s.dispatcher, s.player
	s.ch, s.pending, s.dispatcher, s.player = nil, nil, nil, nil
	s.mu.Unlock()

	if ch != nil {
		ch.Close(true)
	}
	if pending != nil {
		pending.Close(true)
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
	if player != nil {
		player.Destroy()
	}
}

// Close disconnects and stops the event goroutine. The Session cannot be
// reused.
func (s *Session) Close() error {
	err := s.Disconnect(context.Background(), false)
	s.once.Do(func() {
		close(s.quit)
		<-s.loopDone
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return err
}

// Send writes msg to the live channel. It implements tools.Sender and
// media.Sender.
func (s *Session) Send(msg protocol.ClientMessage) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(msg)
}

// SendText adds a user entry and sends text as a complete turn.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !s.live() {
		s.marker(MarkerConnectFirst)
		return ErrNotConnected
	}

	// Sent from the event loop so the user entry precedes any reply.
	result := make(chan error, 1)
	s.do(func() {
		err := s.Send(protocol.NewTextTurn(text))
		if err == nil {
			s.assembler.Add(transcript.RoleUser, text, true)
		}
		result <- err
	})
	var err error
	select {
	case err = <-result:
	default:
		return ErrSessionClosed
	}
	if transport.IsNotConnected(err) {
		s.marker(MarkerConnectFirst)
	}
	return err
}

// SetVolume sets playback volume in [0, 1].
func (s *Session) SetVolume(v float64) {
	v = min(max(v, 0), 1)
	s.mu.Lock()
	s.volume = v
	player := s.player
	s.mu.Unlock()
	if player != nil {
		player.SetVolume(v)
	}
}

// Volume returns the playback volume.
func (s *Session) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected || s.state == StateReconnecting
}

func (s *Session) marker(text string) {
	s.do(func() { s.assembler.System(text) })
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.changed(prev, st, err)
}

func (s *Session) changed(prev, st State, err error) {
	if prev == st {
		return
	}
	s.metrics.SetState(prev.String(), st.String())
	s.emit(Event{Type: EventState, State: st, Prev: prev, Err: err})
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped", "type", ev.Type)
	}
}

func (s *Session) notify(n router.Notification) {
	s.metrics.RecordNotification(string(n.Level))
	s.emit(Event{Type: EventNotification, Notification: n})
}

func (s *Session) status(st router.Status) {
	if st.Kind == protocol.KindSetupComplete {
		s.mu.Lock()
		s.echo = st.Setup
		s.mu.Unlock()
	}
	s.emit(Event{Type: EventStatus, Status: st})
}

func (s *Session) toolResult(res tools.Result) {
	s.metrics.RecordTool(res.Name, res.Err, res.Duration)
	s.emit(Event{Type: EventToolResult, Result: res})
}

func (s *Session) archive(e transcript.Entry) {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	s.opts.Archive.Log(room, s.opts.ClientID, Sender(e.Role), e.Text)
}

// Sender names a transcript role in archived records.
func Sender(r transcript.Role) string {
	switch r {
	case transcript.RoleUser:
		return "User"
	case transcript.RoleUserTranscript:
		return "UserText (Transcribed)"
	case transcript.RoleAssistant:
		return "Gemini"
	default:
		return "System"
	}
}

// mediaSender counts outbound chunks per medium.
type mediaSender struct {
	s      *Session
	medium string
}

func (m mediaSender) Send(msg protocol.ClientMessage) error {
	if err := m.s.Send(msg); err != nil {
		return err
	}
	m.s.metrics.RecordChunk(m.medium)
	return nil
}
