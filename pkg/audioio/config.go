// Package audioio provides PCM16 audio capture and playback backends.
//
// Backends:
//   - exec - arecord/aplay on Linux, sox rec/play on macOS
//   - mock - CI/testing without hardware
//
// The backend is selected from the platform, or set explicitly via Config.
// Package rtpsink adds a remote-speaker sink that needs libopus.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects exec when the platform tools exist, mock otherwise.
	BackendAuto Backend = "auto"
	// BackendExec pipes raw PCM through platform command-line tools.
	BackendExec Backend = "exec"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Standard rates for the live protocol.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	SampleRate int `json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `json:"channels"`

	// BufferDuration is the size of one chunk.
	// Default: 40ms
	BufferDuration time.Duration `json:"buffer_duration"`

	// Device is the platform-specific device identifier.
	// Examples:
	//   - exec (linux): "default", "plughw:1,0"
	//   - exec (darwin): ignored, system default
	//   - rtpsink: "host:port"
	//   - mock: ignored
	Device string `json:"device"`
}

// CaptureConfig returns the microphone defaults: 16kHz mono, 40ms chunks.
func CaptureConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     CaptureRate,
		Channels:       1,
		BufferDuration: 40 * time.Millisecond,
	}
}

// PlaybackConfig returns the speaker defaults: 24kHz mono.
func PlaybackConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     PlaybackRate,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audioio: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("audioio: channels must be positive, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("audioio: buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of frames per chunk.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a chunk in bytes.
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
