package media

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-live/pkg/audioio"
)

// AudioPlayer plays agent audio chunks strictly in arrival order on a
// single worker. Interrupt drops everything not yet played.
type AudioPlayer struct {
	sink   audioio.Sink
	rate   int
	logger *slog.Logger

	mu        sync.Mutex
	queue     [][]byte
	volume    float64
	genCtx    context.Context
	genCancel context.CancelFunc
	playing   bool
	started   bool
	destroyed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once

	onStart func()
	onIdle  func()
}

// NewAudioPlayer creates a player writing PCM16 at sampleRate to sink.
// A nil logger uses slog.Default().
func NewAudioPlayer(sink audioio.Sink, sampleRate int, logger *slog.Logger) *AudioPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AudioPlayer{
		sink:      sink,
		rate:      sampleRate,
		logger:    logger.With("component", "player"),
		volume:    1,
		genCtx:    ctx,
		genCancel: cancel,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Init starts the sink and the playback worker.
func (p *AudioPlayer) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	p.mu.Unlock()

	if err := p.sink.Start(ctx); err != nil {
		return &DeviceError{Kind: "speaker", Device: p.sink.Config().Device, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.destroyed {
		return nil
	}
	p.started = true
	go p.run()
	return nil
}

// OnPlayback sets callbacks for the first chunk after idle and for the
// queue draining.
func (p *AudioPlayer) OnPlayback(start, idle func()) {
	p.mu.Lock()
	p.onStart, p.onIdle = start, idle
	p.mu.Unlock()
}

// Play enqueues a PCM16 chunk. It never blocks.
func (p *AudioPlayer) Play(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, pcm)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Interrupt empties the queue and cuts the chunk in flight. The queue is
// empty when it returns.
func (p *AudioPlayer) Interrupt() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.genCancel()
	p.genCtx, p.genCancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	if err := p.sink.Clear(); err != nil {
		p.logger.Warn("sink clear failed", "error", err)
	}
	p.logger.Debug("playback interrupted", "dropped", dropped)
}

// SetVolume sets the gain in [0, 1]. It applies from the next chunk.
func (p *AudioPlayer) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Volume returns the current gain.
func (p *AudioPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Queued returns the number of chunks waiting to play.
func (p *AudioPlayer) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *AudioPlayer) run() {
	defer close(p.done)
	for {
		chunk, ctx, gain, ok := p.next()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-p.stop:
				return
			}
		}

		samples := audioio.BytesToSamples(chunk)
		audioio.ApplyGain(samples, gain)
		err := p.sink.Write(ctx, audioio.Chunk{Samples: samples, SampleRate: p.rate, Channels: 1})
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("playback write failed", "error", err)
		}

		select {
		case <-p.stop:
			return
		default:
		}
	}
}

// next pops the head of the queue, tracking idle transitions.
func (p *AudioPlayer) next() ([]byte, context.Context, float64, bool) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		wasPlaying := p.playing
		p.playing = false
		idle := p.onIdle
		p.mu.Unlock()
		if wasPlaying && idle != nil {
			idle()
		}
		return nil, nil, 0, false
	}
	chunk := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	ctx, gain := p.genCtx, p.volume
	starting := !p.playing
	p.playing = true
	start := p.onStart
	p.mu.Unlock()

	if starting && start != nil {
		start()
	}
	return chunk, ctx, gain, true
}

// Destroy stops the worker and releases the sink. Safe to call repeatedly.
func (p *AudioPlayer) Destroy() {
	p.once.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		p.queue = nil
		p.genCancel()
		started := p.started
		p.mu.Unlock()

		close(p.stop)
		p.sink.Clear()
		if started {
			<-p.done
		}
		p.sink.Close()
	})
}
