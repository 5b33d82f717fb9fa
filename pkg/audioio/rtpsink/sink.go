// Package rtpsink plays agent audio on a remote speaker: PCM is encoded
// as Opus and sent as RTP over UDP.
package rtpsink

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/teslashibe/go-live/pkg/audioio"
	"gopkg.in/hraban/opus.v2"
)

// Opus framing for the RTP sink.
const (
	opusRate        = 48000
	opusFrame       = 20 * time.Millisecond
	opusFrameSize   = opusRate / 50
	opusPayloadType = 96
	maxOpusPacket   = 1500
)

// Sink encodes playback audio as Opus and sends it as RTP over UDP,
// for a speaker that lives on another host.
type Sink struct {
	cfg    audioio.Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	enc     *opus.Encoder
	pending []int16
	seq     uint16
	ts      uint32
	ssrc    uint32
	next    time.Time
	closed  bool
}

// New creates a sink that sends to cfg.Device ("host:port").
func New(cfg audioio.Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("rtpsink: destination host:port required in Device")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		logger: logger,
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.Uint32()),
	}, nil
}

// Start dials the UDP destination and creates the encoder.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audioio.ErrClosed
	}
	if s.conn != nil {
		return nil
	}
	if s.cfg.Channels != 1 {
		return fmt.Errorf("rtpsink: supports mono only, got %d channels", s.cfg.Channels)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.cfg.Device)
	if err != nil {
		return fmt.Errorf("%w: %v", audioio.ErrDeviceUnavailable, err)
	}
	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rtpsink: opus encoder: %w", err)
	}
	s.conn = conn
	s.enc = enc
	s.logger.Info("rtp sink started", "dest", s.cfg.Device, "ssrc", s.ssrc)
	return nil
}

// Write resamples to 48kHz, encodes whole 20ms frames and sends them,
// pacing packets in real time.
func (s *Sink) Write(ctx context.Context, chunk audioio.Chunk) error {
	s.mu.Lock()
	// Checked under the lock so a chunk cancelled by an interrupt cannot
	// land after Clear.
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.closed || s.conn == nil {
		s.mu.Unlock()
		return audioio.ErrClosed
	}
	s.pending = append(s.pending, audioio.Resample(chunk.Samples, chunk.SampleRate, opusRate)...)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.conn == nil || len(s.pending) < opusFrameSize {
			s.mu.Unlock()
			return nil
		}
		frame := s.pending[:opusFrameSize]
		s.pending = s.pending[opusFrameSize:]
		pkt, sendAt, err := s.packetLocked(frame)
		wait := time.Until(sendAt)
		conn := s.conn
		s.mu.Unlock()

		if err != nil {
			return err
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := conn.Write(pkt); err != nil {
			return fmt.Errorf("rtpsink: send: %w", err)
		}
	}
}

// packetLocked encodes one frame and returns it with its send time.
func (s *Sink) packetLocked(frame []int16) ([]byte, time.Time, error) {
	buf := make([]byte, maxOpusPacket)
	n, err := s.enc.Encode(frame, buf)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("rtpsink: opus encode: %w", err)
	}

	now := time.Now()
	marker := s.next.IsZero() || now.After(s.next.Add(opusFrame))
	if marker {
		s.next = now
	}
	sendAt := s.next
	s.next = s.next.Add(opusFrame)

	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    opusPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: buf[:n],
	}
	s.seq++
	s.ts += opusFrameSize
	data, err := p.Marshal()
	return data, sendAt, err
}

// Clear drops unsent audio and resets pacing.
func (s *Sink) Clear() error {
	s.mu.Lock()
	s.pending = nil
	s.next = time.Time{}
	s.mu.Unlock()
	return nil
}

// Stop closes the UDP socket. Start may be called again.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

// Config returns the sink's audio format.
func (s *Sink) Config() audioio.Config { return s.cfg }

// Name identifies the backend.
func (s *Sink) Name() string { return "rtp" }

// Close releases the socket permanently.
func (s *Sink) Close() error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ audioio.Sink = (*Sink)(nil)
