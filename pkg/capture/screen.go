package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/teslashibe/go-live/pkg/media"
)

// maxFrameBytes bounds a single MJPEG frame read from ffmpeg.
const maxFrameBytes = 8 << 20

// Screen grabs the desktop with a persistent ffmpeg process emitting an
// MJPEG stream. ReadJPEG returns the newest complete frame.
type Screen struct {
	c      media.Constraints
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	exited chan struct{}
	err    error
}

var _ media.FrameSource = (*Screen)(nil)

// NewScreen creates a screen source for c. Device selects the display
// (X11 display name on Linux, avfoundation index on macOS).
func NewScreen(c media.Constraints, logger *slog.Logger) *Screen {
	if logger == nil {
		logger = slog.Default()
	}
	return &Screen{c: c, logger: logger.With("component", "screen")}
}

// ScreenFactory adapts NewScreen to media.FrameSourceFactory.
func ScreenFactory(logger *slog.Logger) media.FrameSourceFactory {
	return func(c media.Constraints) (media.FrameSource, error) {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, fmt.Errorf("screen capture needs ffmpeg: %w", err)
		}
		return NewScreen(c, logger), nil
	}
}

// Open starts ffmpeg.
func (s *Screen) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, "ffmpeg", screenArgs(runtime.GOOS, s.c)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	s.cmd, s.cancel = cmd, cancel
	s.frames = make(chan []byte, 1)
	s.exited = make(chan struct{})
	go s.readLoop(cmd, stdout, &stderr, s.frames, s.exited)
	s.logger.Debug("screen capture started", "args", cmd.Args[1:])
	return nil
}

func (s *Screen) readLoop(cmd *exec.Cmd, r io.Reader, stderr *bytes.Buffer, frames chan []byte, exited chan struct{}) {
	defer close(exited)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxFrameBytes)
	sc.Split(ScanJPEG)
	for sc.Scan() {
		frame := make([]byte, len(sc.Bytes()))
		copy(frame, sc.Bytes())
		select {
		case <-frames:
		default:
		}
		frames <- frame
	}

	err := cmd.Wait()
	if err == nil {
		err = sc.Err()
	}
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = fmt.Errorf("ffmpeg exited: %w: %s", err, lastLine(stderr.Bytes()))
	s.mu.Unlock()
}

// ReadJPEG waits for the next frame.
func (s *Screen) ReadJPEG(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	frames, exited := s.frames, s.exited
	s.mu.Unlock()
	if frames == nil {
		return nil, ErrClosed
	}

	select {
	case f := <-frames:
		return f, nil
	case <-exited:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops ffmpeg.
func (s *Screen) Close() error {
	s.mu.Lock()
	cancel, exited := s.cancel, s.exited
	s.cmd, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-exited
	return nil
}

// screenArgs builds the ffmpeg command line for goos.
func screenArgs(goos string, c media.Constraints) []string {
	fps := strconv.FormatFloat(c.FPS, 'f', -1, 64)
	var args []string
	switch goos {
	case "darwin":
		dev := c.Device
		if dev == "" || dev == "default" {
			dev = "1"
		}
		args = []string{"-f", "avfoundation", "-capture_cursor", "1", "-framerate", fps, "-i", dev + ":none"}
	default:
		dev := c.Device
		if dev == "" || dev == "default" {
			dev = os.Getenv("DISPLAY")
		}
		if dev == "" {
			dev = ":0"
		}
		args = []string{"-f", "x11grab", "-framerate", fps, "-i", dev}
	}

	args = append(args, "-loglevel", "error", "-an")
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", c.Width, c.Height))
	}
	return append(args,
		"-r", fps,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(mjpegScale(c.Quality)),
		"pipe:1",
	)
}

// mjpegScale maps a 0-100 JPEG quality onto ffmpeg's 2-31 qscale, where
// lower is better.
func mjpegScale(q int) int {
	q = jpegQuality(q)
	return 31 - (q*29)/100
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ScanJPEG is a bufio.SplitFunc that yields complete JPEG images from a
// concatenated MJPEG stream. Bytes before a start marker are skipped.
func ScanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin a marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}
