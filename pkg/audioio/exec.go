package audioio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// captureCommand returns the recorder argv for the platform.
func captureCommand(cfg Config) []string {
	rate := strconv.Itoa(cfg.SampleRate)
	ch := strconv.Itoa(cfg.Channels)
	if runtime.GOOS == "darwin" {
		return []string{"rec", "-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-c", ch, "-r", rate, "-"}
	}
	dev := cfg.Device
	if dev == "" {
		dev = "default"
	}
	return []string{"arecord", "-q", "-D", dev, "-t", "raw", "-f", "S16_LE", "-c", ch, "-r", rate}
}

// playbackCommand returns the player argv for the platform.
func playbackCommand(cfg Config) []string {
	rate := strconv.Itoa(cfg.SampleRate)
	ch := strconv.Itoa(cfg.Channels)
	if runtime.GOOS == "darwin" {
		return []string{"play", "-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-c", ch, "-r", rate, "-"}
	}
	dev := cfg.Device
	if dev == "" {
		dev = "default"
	}
	return []string{"aplay", "-q", "-D", dev, "-t", "raw", "-f", "S16_LE", "-c", ch, "-r", rate}
}

// execAvailable reports whether the platform capture tool is installed.
func execAvailable() bool {
	_, err := exec.LookPath(captureCommand(Config{SampleRate: 1, Channels: 1})[0])
	return err == nil
}

// ExecSource reads raw PCM from a recorder process's stdout.
type ExecSource struct {
	cfg    Config
	argv   []string
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	closed   bool
	streamCh chan Chunk
}

// NewExecSource creates a source backed by arecord or sox.
func NewExecSource(cfg Config, logger *slog.Logger) *ExecSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSource{
		cfg:      cfg,
		argv:     captureCommand(cfg),
		logger:   logger,
		streamCh: make(chan Chunk),
	}
}

// Start launches the recorder.
func (s *ExecSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, s.argv[0], err)
	}

	s.cmd = cmd
	s.running = true
	s.streamCh = make(chan Chunk, 16)
	go s.readLoop(stdout, s.streamCh)

	s.logger.Info("audio capture started", "cmd", s.argv[0], "device", s.cfg.Device, "sample_rate", s.cfg.SampleRate)
	return nil
}

func (s *ExecSource) readLoop(r io.Reader, out chan Chunk) {
	defer close(out)
	buf := make([]byte, s.cfg.BufferBytes())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Debug("audio capture read ended", "error", err)
			}
			return
		}
		out <- NewChunk(buf, s.cfg.SampleRate, s.cfg.Channels)
	}
}

// Stop kills the recorder. The stream closes once the pipe drains.
func (s *ExecSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		go s.cmd.Wait()
	}
	s.cmd = nil
	s.logger.Info("audio capture stopped")
	return nil
}

// Stream returns the chunk channel for the current run.
func (s *ExecSource) Stream() <-chan Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

func (s *ExecSource) Config() Config { return s.cfg }
func (s *ExecSource) Name() string   { return "exec:" + s.argv[0] }

// Close stops capture permanently.
func (s *ExecSource) Close() error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ Source = (*ExecSource)(nil)

// ExecSink writes raw PCM into a player process's stdin. Clear kills the
// process; the next Write starts a fresh one.
type ExecSink struct {
	cfg    Config
	argv   []string
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewExecSink creates a sink backed by aplay or sox.
func NewExecSink(cfg Config, logger *slog.Logger) *ExecSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSink{cfg: cfg, argv: playbackCommand(cfg), logger: logger}
}

// Start records ctx for player processes. The process itself starts lazily.
func (s *ExecSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := exec.LookPath(s.argv[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.ctx = ctx
	return nil
}

func (s *ExecSink) startLocked() error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("audioio: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, s.argv[0], err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// Write pipes chunk to the player, starting it if needed.
func (s *ExecSink) Write(ctx context.Context, chunk Chunk) error {
	s.mu.Lock()
	// Checked under the lock so a chunk cancelled by an interrupt cannot
	// respawn the player Clear just killed.
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := stdin.Write(chunk.Bytes()); err != nil {
		s.mu.Lock()
		if s.stdin == stdin {
			s.stopLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("audioio: write to player: %w", err)
	}
	return nil
}

// Clear kills the player, dropping its buffered audio.
func (s *ExecSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *ExecSink) stopLocked() {
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		go s.cmd.Wait()
	}
	s.cmd = nil
}

// Stop halts playback.
func (s *ExecSink) Stop() error {
	return s.Clear()
}

func (s *ExecSink) Config() Config { return s.cfg }
func (s *ExecSink) Name() string   { return "exec:" + s.argv[0] }

// Close stops playback permanently.
func (s *ExecSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
	return nil
}

var _ Sink = (*ExecSink)(nil)
