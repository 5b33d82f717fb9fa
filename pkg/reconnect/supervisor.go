package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrClosed indicates the supervisor was closed.
	ErrClosed = errors.New("reconnect: supervisor closed")

	// ErrGaveUp wraps the last dial error once retries are exhausted.
	ErrGaveUp = errors.New("reconnect: gave up")
)

// State is the supervisor's view of the connection.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateLost
	StateReconnecting
	StateDisconnecting
	StateClosed
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateLost:
		return "lost"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateGaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventType identifies a supervisor event.
type EventType int

const (
	EventReconnecting EventType = iota
	EventReconnected
	EventGaveUp
)

// Event reports reconnection progress.
type Event struct {
	Type    EventType
	Attempt int
	Delay   time.Duration
	Err     error
}

// Dialer performs one connection attempt. It must honour ctx.
type Dialer func(ctx context.Context, attempt int) error

// Retryable classifies dial errors. Non-retryable errors give up at once.
type Retryable func(err error) bool

// Supervisor drives the Lost -> Reconnecting -> Connected | GaveUp cycle.
type Supervisor struct {
	policy    Policy
	dial      Dialer
	retryable Retryable
	logger    *slog.Logger

	// after is time.After; replaced in tests.
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	onEvent func(Event)
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRetryable sets the error classifier.
func WithRetryable(fn Retryable) Option {
	return func(s *Supervisor) { s.retryable = fn }
}

// WithAfter replaces the backoff timer.
func WithAfter(fn func(time.Duration) <-chan time.Time) Option {
	return func(s *Supervisor) { s.after = fn }
}

// NewSupervisor creates a supervisor in StateIdle. A nil logger uses slog.Default().
func NewSupervisor(policy Policy, dial Dialer, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		policy: policy,
		dial:   dial,
		logger: logger.With("component", "reconnect"),
		after:  time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent sets the event callback. It runs on the supervisor's goroutine
// and must not call Close.
func (s *Supervisor) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected records a successful initial connection.
func (s *Supervisor) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateConnected
}

// Lost starts the reconnect cycle after an unintended loss. It is a no-op
// unless the supervisor is Connected.
func (s *Supervisor) Lost(cause error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateLost
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Warn("connection lost, reconnecting", "error", cause)
	go s.run(ctx, cause)
}

func (s *Supervisor) run(ctx context.Context, cause error) {
	defer s.wg.Done()

	lastErr := cause
	for attempt := 1; ; attempt++ {
		if s.policy.Exhausted(attempt) {
			s.giveUp(ctx, attempt-1, lastErr)
			return
		}

		delay := s.policy.Delay(attempt)
		if !s.transition(ctx, StateReconnecting) {
			return
		}
		s.emit(ctx, Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})

		select {
		case <-ctx.Done():
			return
		case <-s.after(delay):
		}

		err := s.dial(ctx, attempt)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if !s.transition(ctx, StateConnected) {
				return
			}
			s.logger.Info("reconnected", "attempt", attempt)
			s.emit(ctx, Event{Type: EventReconnected, Attempt: attempt})
			return
		}

		lastErr = err
		s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		if s.retryable != nil && !s.retryable(err) {
			s.giveUp(ctx, attempt, err)
			return
		}
	}
}

func (s *Supervisor) giveUp(ctx context.Context, attempts int, err error) {
	if !s.transition(ctx, StateGaveUp) {
		return
	}
	s.logger.Error("giving up on reconnect", "attempts", attempts, "error", err)
	s.emit(ctx, Event{Type: EventGaveUp, Attempt: attempts, Err: fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempts, err)})
}

// transition moves to st unless ctx was cancelled by Close.
func (s *Supervisor) transition(ctx context.Context, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || s.state == StateClosed {
		return false
	}
	s.state = st
	return true
}

func (s *Supervisor) emit(ctx context.Context, ev Event) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil && ctx.Err() == nil {
		fn(ev)
	}
}

// Close stops any pending retry and moves to StateClosed. No events are
// delivered after Close returns.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
