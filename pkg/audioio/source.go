package audioio

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrDeviceUnavailable indicates the device could not be opened.
	ErrDeviceUnavailable = errors.New("audioio: device unavailable")

	// ErrClosed indicates the source or sink was closed.
	ErrClosed = errors.New("audioio: closed")
)

// Chunk is a block of interleaved PCM16 samples.
type Chunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// NewChunk builds a chunk from little-endian PCM16 bytes.
func NewChunk(data []byte, sampleRate, channels int) Chunk {
	return Chunk{Samples: BytesToSamples(data), SampleRate: sampleRate, Channels: channels}
}

// Bytes returns the chunk as little-endian PCM16 bytes.
func (c Chunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate*c.Channels)
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start begins capture. It fails with ErrDeviceUnavailable when the
	// device cannot be opened.
	Start(ctx context.Context) error

	// Stop halts capture and closes the stream. Safe to call repeatedly.
	Stop() error

	// Stream delivers chunks of Config().BufferDuration in capture order.
	Stream() <-chan Chunk

	Config() Config
	Name() string
	io.Closer
}

// Sink plays audio to a speaker or other output device.
type Sink interface {
	Start(ctx context.Context) error
	Stop() error

	// Write queues a chunk for playback. It blocks roughly in real time.
	Write(ctx context.Context, chunk Chunk) error

	// Clear discards anything buffered so playback stops at once.
	Clear() error

	Config() Config
	Name() string
	io.Closer
}
