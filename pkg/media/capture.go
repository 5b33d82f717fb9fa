// Package media streams local microphone, camera and screen input to the
// agent and plays the agent's audio back.
package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-live/pkg/audioio"
	"github.com/teslashibe/go-live/pkg/protocol"
)

// Sender delivers a client message to the agent.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// SourceFactory opens the microphone identified by deviceID.
type SourceFactory func(deviceID string) (audioio.Source, error)

// DefaultSourceFactory opens deviceID with the capture defaults.
func DefaultSourceFactory(logger *slog.Logger) SourceFactory {
	return func(deviceID string) (audioio.Source, error) {
		cfg := audioio.CaptureConfig()
		if deviceID != audioio.DefaultDevice {
			cfg.Device = deviceID
		}
		return audioio.NewSource(cfg, logger)
	}
}

// AudioCapture streams microphone audio as fixed-size PCM16 chunks.
type AudioCapture struct {
	open   SourceFactory
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	src     audioio.Source
	cancel  context.CancelFunc
	done    chan struct{}
	onLevel func(float64)
}

// NewAudioCapture creates a stopped capture. A nil logger uses slog.Default().
func NewAudioCapture(open SourceFactory, sender Sender, logger *slog.Logger) *AudioCapture {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioCapture{open: open, sender: sender, logger: logger.With("component", "mic")}
}

// OnLevel sets a callback receiving the RMS level of each sent chunk.
func (c *AudioCapture) OnLevel(fn func(float64)) {
	c.mu.Lock()
	c.onLevel = fn
	c.mu.Unlock()
}

// Start opens deviceID and begins streaming. Starting a running capture is
// a no-op. On failure it returns a *DeviceError and stays stopped.
func (c *AudioCapture) Start(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src != nil {
		return nil
	}
	if deviceID == "" {
		deviceID = audioio.DefaultDevice
	}

	src, err := c.open(deviceID)
	if err != nil {
		return &DeviceError{Kind: "microphone", Device: deviceID, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := src.Start(runCtx); err != nil {
		cancel()
		src.Close()
		return &DeviceError{Kind: "microphone", Device: deviceID, Err: err}
	}

	c.src = src
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pump(src, c.done)

	c.logger.Info("microphone started", "device", deviceID, "backend", src.Name())
	return nil
}

// pump reframes the source stream into chunks of exactly BufferBytes and
// sends them in capture order.
func (c *AudioCapture) pump(src audioio.Source, done chan struct{}) {
	defer close(done)

	cfg := src.Config()
	size := cfg.BufferBytes()
	var pending []byte

	for chunk := range src.Stream() {
		pending = append(pending, chunk.Bytes()...)
		for len(pending) >= size {
			pcm := make([]byte, size)
			copy(pcm, pending[:size])
			pending = pending[size:]
			c.send(pcm, cfg.SampleRate)
		}
	}
}

func (c *AudioCapture) send(pcm []byte, rate int) {
	c.mu.Lock()
	onLevel := c.onLevel
	c.mu.Unlock()
	if onLevel != nil {
		onLevel(audioio.RMS(audioio.BytesToSamples(pcm)))
	}

	if err := c.sender.Send(protocol.NewAudioInput(pcm, rate)); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Debug("mic chunk not sent", "error", err)
	}
}

// Stop halts streaming and releases the device. Safe to call when stopped.
func (c *AudioCapture) Stop() {
	c.mu.Lock()
	src, cancel, done := c.src, c.cancel, c.done
	c.src, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if src == nil {
		return
	}
	cancel()
	src.Stop()
	<-done
	src.Close()
	c.logger.Info("microphone stopped")
}

// Running reports whether the capture is streaming.
func (c *AudioCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src != nil
}
