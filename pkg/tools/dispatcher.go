package tools

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// Sender delivers a client message to the agent.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// Dispatcher runs tool calls off the caller's goroutine and reports each
// result back through a Sender.
type Dispatcher struct {
	registry *Registry
	sender   Sender
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	onResult func(Result)
}

// NewDispatcher creates a dispatcher. A nil logger uses slog.Default().
func NewDispatcher(registry *Registry, sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: registry,
		sender:   sender,
		logger:   logger.With("component", "tools"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnResult sets a callback invoked after each call completes.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.mu.Lock()
	d.onResult = fn
	d.mu.Unlock()
}

// Dispatch starts every call in order and returns immediately.
func (d *Dispatcher) Dispatch(calls []protocol.FunctionCall) {
	for _, fc := range calls {
		c := Call{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		d.wg.Add(1)
		go d.run(c)
	}
}

func (d *Dispatcher) run(c Call) {
	defer d.wg.Done()

	// Only tools declared at handshake may run.
	var res Result
	if d.registry.Advertised(c.Name) {
		res = d.registry.Run(d.ctx, c)
	} else {
		res = Result{CallID: c.ID, Name: c.Name, Err: &UnknownToolError{Name: c.Name}}
	}
	switch {
	case errors.Is(res.Err, ErrUnknownTool):
		d.logger.Warn("unknown tool requested", "tool", c.Name, "id", c.ID)
	case res.Err != nil:
		d.logger.Warn("tool failed", "tool", c.Name, "id", c.ID, "error", res.Err)
	default:
		d.logger.Debug("tool completed", "tool", c.Name, "id", c.ID, "duration", res.Duration)
	}

	if d.ctx.Err() == nil {
		msg := protocol.NewToolResponse(protocol.FunctionCall{ID: c.ID, Name: c.Name}, res.Response())
		if err := d.sender.Send(msg); err != nil {
			d.logger.Warn("tool response not sent", "tool", c.Name, "error", err)
		}
	}

	d.mu.Lock()
	fn := d.onResult
	d.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// Wait blocks until all dispatched calls have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight handlers and waits for them to return. Results
// of cancelled calls are not sent.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
