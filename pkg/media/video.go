package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// FrameSource yields JPEG frames from a camera or a screen.
type FrameSource interface {
	Open(ctx context.Context) error
	ReadJPEG(ctx context.Context) ([]byte, error)
	Close() error
}

// FrameSourceFactory opens a FrameSource for c.
type FrameSourceFactory func(c Constraints) (FrameSource, error)

// Constraints select and shape a video capture.
type Constraints struct {
	Device  string
	FPS     float64
	Width   int
	Height  int
	Quality int
}

// DefaultConstraints is one 640x480 frame per second.
func DefaultConstraints() Constraints {
	return Constraints{FPS: 1, Width: 640, Height: 480, Quality: 80}
}

// Validate checks the constraints for errors.
func (c Constraints) Validate() error {
	if c.FPS <= 0 || c.FPS > 30 {
		return fmt.Errorf("%w: fps must be in (0, 30], got %v", ErrInvalidConstraints, c.FPS)
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidConstraints)
	}
	if c.Quality < 0 || c.Quality > 100 {
		return fmt.Errorf("%w: quality must be in [0, 100]", ErrInvalidConstraints)
	}
	return nil
}

// Interval returns the sampling period.
func (c Constraints) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.FPS)
}

// maxReadFailures consecutive failed reads end a capture.
const maxReadFailures = 5

// Handle observes a running video capture.
type Handle struct {
	mu     sync.Mutex
	latest []byte
	frames int
	err    error
	done   chan struct{}
}

// Preview returns the most recent frame, or nil before the first one.
func (h *Handle) Preview() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Frames returns how many frames were sent.
func (h *Handle) Frames() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

// Done is closed when the capture ends.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the capture ended on its own, if it did.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) record(frame []byte) {
	h.mu.Lock()
	h.latest = frame
	h.frames++
	h.mu.Unlock()
}

// VideoCapture samples a FrameSource at a bounded rate and streams JPEG
// frames. Camera and screen each use their own VideoCapture.
type VideoCapture struct {
	kind   string
	open   FrameSourceFactory
	sender Sender
	logger *slog.Logger

	mu     sync.Mutex
	src    FrameSource
	handle *Handle
	cancel context.CancelFunc
	loop   chan struct{}
}

// NewVideoCapture creates a stopped capture. kind names it in errors and
// logs ("camera", "screen").
func NewVideoCapture(kind string, open FrameSourceFactory, sender Sender, logger *slog.Logger) *VideoCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoCapture{kind: kind, open: open, sender: sender, logger: logger.With("component", kind)}
}

// Start opens the source and begins sampling. Starting a running capture
// returns its current handle.
func (v *VideoCapture) Start(ctx context.Context, c Constraints) (*Handle, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle != nil {
		select {
		case <-v.handle.done:
			v.cancel()
			v.src.Close()
			v.src, v.handle, v.cancel, v.loop = nil, nil, nil, nil
		default:
			return v.handle, nil
		}
	}

	src, err := v.open(c)
	if err != nil {
		return nil, &DeviceError{Kind: v.kind, Device: c.Device, Err: err}
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := src.Open(runCtx); err != nil {
		cancel()
		src.Close()
		return nil, &DeviceError{Kind: v.kind, Device: c.Device, Err: err}
	}

	h := &Handle{done: make(chan struct{})}
	v.src, v.handle, v.cancel = src, h, cancel
	v.loop = make(chan struct{})
	go v.sample(runCtx, src, h, c.Interval(), v.loop)

	v.logger.Info("video capture started", "device", c.Device, "fps", c.FPS)
	return h, nil
}

func (v *VideoCapture) sample(ctx context.Context, src FrameSource, h *Handle, every time.Duration, loop chan struct{}) {
	defer close(loop)
	defer close(h.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	failures := 0
	for {
		frame, err := src.ReadJPEG(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			failures++
			v.logger.Warn("frame read failed", "error", err, "consecutive", failures)
			if failures >= maxReadFailures {
				h.mu.Lock()
				h.err = &DeviceError{Kind: v.kind, Err: err}
				h.mu.Unlock()
				return
			}
		case len(frame) > 0:
			failures = 0
			h.record(frame)
			if err := v.sender.Send(protocol.NewVideoInput(frame)); err != nil {
				v.logger.Debug("frame not sent", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends sampling and closes the source. Safe to call when stopped.
func (v *VideoCapture) Stop() {
	v.mu.Lock()
	src, cancel, loop := v.src, v.cancel, v.loop
	v.src, v.handle, v.cancel, v.loop = nil, nil, nil, nil
	v.mu.Unlock()

	if src == nil {
		return
	}
	cancel()
	<-loop
	src.Close()
	v.logger.Info("video capture stopped")
}

// Running reports whether the capture is active.
func (v *VideoCapture) Running() bool {
	v.mu.Lock()
	h := v.handle
	v.mu.Unlock()
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
