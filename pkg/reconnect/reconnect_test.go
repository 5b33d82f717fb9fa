package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{60, 30 * time.Second},
		{0, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("DefaultPolicy().Validate() = %v", err)
	}
	bad := []Policy{{Base: 0, Max: 1}, {Base: 2, Max: 1}, {Base: 1, Max: 1, MaxAttempts: -1}}
	for _, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("Validate(%+v) = %v", p, err)
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	delays []time.Duration
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 16)}
}

func (r *recorder) on(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type != EventReconnecting {
		r.done <- struct{}{}
	}
}

// immediate fires at once and records the requested delay.
func (r *recorder) immediate(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestReconnectAfterFailures(t *testing.T) {
	rec := newRecorder()
	var calls int
	dial := func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 4 {
			return errors.New("refused")
		}
		return nil
	}

	s := NewSupervisor(Policy{Base: time.Second, Max: 30 * time.Second}, dial, nil, WithAfter(rec.immediate))
	s.OnEvent(rec.on)
	s.Connected()
	s.Lost(errors.New("eof"))
	rec.wait(t)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != EventReconnected || last.Attempt != 4 {
		t.Errorf("last event = %+v", last)
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
	if calls != 4 {
		t.Errorf("dial calls = %d, want 4", calls)
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	rec := newRecorder()
	dial := func(ctx context.Context, attempt int) error { return errors.New("refused") }

	s := NewSupervisor(Policy{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}, dial, nil, WithAfter(rec.immediate))
	s.OnEvent(rec.on)
	s.Connected()
	s.Lost(nil)
	rec.wait(t)

	last := rec.events[len(rec.events)-1]
	if last.Type != EventGaveUp || last.Attempt != 3 || !errors.Is(last.Err, ErrGaveUp) {
		t.Errorf("last event = %+v", last)
	}
	if s.State() != StateGaveUp {
		t.Errorf("State() = %v, want gave_up", s.State())
	}
}

func TestNonRetryableGivesUp(t *testing.T) {
	rec := newRecorder()
	fatal := errors.New("room closed")
	dial := func(ctx context.Context, attempt int) error { return fatal }

	s := NewSupervisor(DefaultPolicy(), dial, nil,
		WithAfter(rec.immediate),
		WithRetryable(func(err error) bool { return !errors.Is(err, fatal) }))
	s.OnEvent(rec.on)
	s.Connected()
	s.Lost(nil)
	rec.wait(t)

	last := rec.events[len(rec.events)-1]
	if last.Type != EventGaveUp || last.Attempt != 1 || !errors.Is(last.Err, fatal) {
		t.Errorf("last event = %+v", last)
	}
}

func TestCloseDuringBackoff(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	waiting := make(chan struct{})
	never := func(d time.Duration) <-chan time.Time {
		close(waiting)
		return make(chan time.Time)
	}
	dialed := false
	dial := func(ctx context.Context, attempt int) error {
		dialed = true
		return nil
	}

	s := NewSupervisor(DefaultPolicy(), dial, nil, WithAfter(never))
	s.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	s.Connected()
	s.Lost(errors.New("eof"))
	<-waiting
	s.Close()

	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	if dialed {
		t.Error("dialed after Close")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Type != EventReconnecting {
		t.Errorf("events = %+v, want a single Reconnecting", events)
	}

	s.Lost(errors.New("again"))
	if s.State() != StateClosed {
		t.Error("Lost after Close restarted the cycle")
	}
}

func TestLostIgnoredUnlessConnected(t *testing.T) {
	s := NewSupervisor(DefaultPolicy(), func(context.Context, int) error { return nil }, nil)
	s.Lost(errors.New("eof"))
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want idle", s.State())
	}
	s.Close()
}
