// livestudio: terminal client for Gemini Live through the relay.
// Type to chat; slash commands toggle the microphone, camera and screen.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/teslashibe/go-live/internal/config"
	"github.com/teslashibe/go-live/internal/gauth"
	"github.com/teslashibe/go-live/internal/log"
	"github.com/teslashibe/go-live/pkg/audioio"
	"github.com/teslashibe/go-live/pkg/audioio/rtpsink"
	"github.com/teslashibe/go-live/pkg/capture"
	"github.com/teslashibe/go-live/pkg/live"
	"github.com/teslashibe/go-live/pkg/liveconfig"
	"github.com/teslashibe/go-live/pkg/media"
	"github.com/teslashibe/go-live/pkg/metrics"
	"github.com/teslashibe/go-live/pkg/reconnect"
	"github.com/teslashibe/go-live/pkg/rooms"
	"github.com/teslashibe/go-live/pkg/tools"
)

type flags struct {
	room      string
	create    string
	list      bool
	devices   bool
	mic       bool
	micDevice string
	camera    bool
	camDevice string
	fps       float64
	voice     string
	system    string
	textOnly  bool
	grounding bool
	volume    float64
	rtp       string
	token     bool
	debug     bool
}

func main() {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	f := parseFlags()

	level := env.LogLevel
	if f.debug {
		level = "debug"
	}
	log.Init(level)
	l := log.L()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if f.devices {
		listDevices(ctx)
		return
	}

	dir, err := rooms.NewClient(env.ProxyURL, nil)
	if err != nil {
		l.Error("bad proxy url", "error", err)
		os.Exit(1)
	}
	if f.list {
		listRooms(ctx, dir)
		return
	}

	s, err := newSession(ctx, env, f, dir, l)
	if err != nil {
		l.Error("session setup failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	go printEvents(s)

	co := live.ConnectOptions{UseMic: f.mic, MicDevice: f.micDevice, UseCamera: f.camera, Camera: cameraConstraints(f)}
	if f.create != "" {
		room, err := s.CreateAndConnect(ctx, f.create, co)
		if err != nil {
			l.Error("connect failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Created room %q (%s)\n", room.Name, room.ID)
	} else if err := s.Connect(ctx, f.room, co); err != nil {
		l.Error("connect failed", "error", err)
		os.Exit(1)
	}

	repl(ctx, s, f)

	if err := s.Disconnect(context.Background(), true); err != nil {
		l.Warn("disconnect", "error", err)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.room, "room", rooms.DefaultRoom, "Room id to join")
	flag.StringVar(&f.create, "create", "", "Create a room with this name and join it")
	flag.BoolVar(&f.list, "list", false, "List open rooms and exit")
	flag.BoolVar(&f.devices, "devices", false, "List audio and video devices and exit")
	flag.BoolVar(&f.mic, "mic", false, "Start the microphone after connecting")
	flag.StringVar(&f.micDevice, "mic-device", audioio.DefaultDevice, "Microphone device id")
	flag.BoolVar(&f.camera, "camera", false, "Start the camera after connecting")
	flag.StringVar(&f.camDevice, "camera-device", "default", "Camera device index or path")
	flag.Float64Var(&f.fps, "fps", 1, "Camera and screen frames per second")
	flag.StringVar(&f.voice, "voice", string(liveconfig.VoicePuck), "Agent voice")
	flag.StringVar(&f.system, "system", "", "System instructions")
	flag.BoolVar(&f.textOnly, "text", false, "Ask for text replies instead of audio")
	flag.BoolVar(&f.grounding, "grounding", false, "Enable search grounding (disables tools)")
	flag.Float64Var(&f.volume, "volume", 1, "Playback volume 0..1")
	flag.StringVar(&f.rtp, "rtp", "", "Send agent audio as Opus RTP to host:port instead of the speaker")
	flag.BoolVar(&f.token, "token", true, "Send a bearer token from default credentials")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func newSession(ctx context.Context, env config.Config, f flags, dir *rooms.Client, l *slog.Logger) (*live.Session, error) {
	cfg := liveconfig.Default().
		WithProject(env.ProjectID, env.Location).
		WithVoice(liveconfig.Voice(f.voice)).
		WithGrounding(f.grounding)
	cfg.Model = env.Model
	if f.system != "" {
		cfg = cfg.WithSystemInstructions(f.system)
	}
	if f.textOnly {
		cfg.ResponseModalities = []liveconfig.Modality{liveconfig.ModalityText}
	}
	cfg.Tools = append(cfg.Tools, "get_time")

	opts := live.Options{
		ProxyURL:     env.ProxyURL,
		ServiceURL:   env.UpstreamURL(),
		Config:       cfg,
		Policy:       reconnect.Policy{Base: env.ReconnectBase, Max: env.ReconnectMax, MaxAttempts: env.ReconnectAttempts},
		Directory:    dir,
		Archive:      printer{},
		Metrics:      metrics.Default(),
		Camera:       capture.CameraFactory(l),
		Screen:       capture.ScreenFactory(l),
		SetupTimeout: env.SetupTimeout,
		Tools:        []tools.Tool{clockTool()},
	}
	if f.rtp != "" {
		opts.Speaker = func() (audioio.Sink, error) {
			c := audioio.PlaybackConfig()
			c.Device = f.rtp
			sink, err := rtpsink.New(c, l)
			if err != nil {
				return nil, err
			}
			return sink, nil
		}
	}
	if f.token {
		ts, err := gauth.DefaultTokenSource(ctx)
		if err != nil {
			l.Warn("no default credentials, relay will authenticate", "error", err)
		} else {
			opts.TokenSource = ts
		}
	}

	s, err := live.New(opts, l)
	if err != nil {
		return nil, err
	}
	s.SetVolume(f.volume)
	return s, nil
}

func clockTool() tools.Tool {
	return tools.Tool{
		Name:        "get_time",
		Description: "Returns the current local date and time.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return time.Now().Format(time.RFC1123), nil
		},
	}
}

func cameraConstraints(f flags) media.Constraints {
	c := media.DefaultConstraints()
	c.Device = f.camDevice
	if f.fps > 0 {
		c.FPS = f.fps
	}
	return c
}

// printer writes finished transcript entries to stdout.
type printer struct{}

func (printer) Log(_, _, sender, text string) { fmt.Printf("%s: %s\n", sender, text) }
func (printer) Flush(string)                  {}

func printEvents(s *live.Session) {
	for ev := range s.Events() {
		switch ev.Type {
		case live.EventState:
			fmt.Printf("* %s\n", ev.State)
		case live.EventNotification:
			fmt.Printf("! [%s] %s\n", ev.Notification.Level, ev.Notification.Message)
		case live.EventPlayback:
			if ev.Playing {
				fmt.Println("~ speaking")
			}
		case live.EventToolResult:
			if ev.Result.Err != nil {
				fmt.Printf("! tool %s failed: %v\n", ev.Result.Name, ev.Result.Err)
			}
		}
	}
}

const help = `Commands:
  /mic          toggle the microphone
  /cam          toggle the camera
  /screen       toggle screen sharing
  /volume N     set playback volume (0..1)
  /transcript   print the transcript
  /quit         leave the room
Anything else is sent as a chat message.`

func repl(ctx context.Context, s *live.Session, f flags) {
	fmt.Println(help)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !command(ctx, s, f, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// command runs one input line and reports whether to keep reading.
func command(ctx context.Context, s *live.Session, f flags, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/mic":
		if s.MicOn() {
			s.StopMic()
		} else {
			s.StartMic(ctx, f.micDevice)
		}
	case "/cam":
		if s.CameraOn() {
			s.StopCamera()
		} else {
			s.StartCamera(ctx, cameraConstraints(f))
		}
	case "/screen":
		if s.ScreenOn() {
			s.StopScreen()
		} else {
			c := media.DefaultConstraints()
			c.FPS = f.fps
			s.StartScreen(ctx, c)
		}
	case "/volume":
		v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			fmt.Println("usage: /volume 0.5")
			break
		}
		s.SetVolume(v)
	case "/transcript":
		for _, e := range s.Transcript() {
			fmt.Printf("%s %-16s %s\n", e.At.Format("15:04:05"), live.Sender(e.Role), e.Text)
		}
	case "/help":
		fmt.Println(help)
	default:
		if err := s.SendText(line); err != nil && !errors.Is(err, live.ErrNotConnected) {
			fmt.Printf("! %v\n", err)
		}
	}
	return true
}

func listRooms(ctx context.Context, dir *rooms.Client) {
	list, err := dir.List(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.CreatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

func listDevices(ctx context.Context) {
	devices, err := audioio.Devices(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, kind := range []audioio.DeviceKind{audioio.DeviceAudioInput, audioio.DeviceAudioOutput, audioio.DeviceVideoInput} {
		fmt.Println(kind + ":")
		for _, d := range audioio.FilterDevices(devices, kind) {
			fmt.Printf("  %-24s %s\n", d.ID, d.Name)
		}
	}
}
