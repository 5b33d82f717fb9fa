package transport

import (
	"fmt"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// EventType identifies a channel lifecycle event.
type EventType int

const (
	// EventOpened fires once, after the agent acknowledged setup.
	EventOpened EventType = iota
	// EventFrame carries one decoded inbound frame.
	EventFrame
	// EventError reports a non-fatal problem such as an undecodable message.
	EventError
	// EventClosed is always the last event on a channel.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventFrame:
		return "frame"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a channel lifecycle event.
type Event struct {
	Type EventType

	// EventFrame
	Frame protocol.Frame

	// EventClosed
	Intentional bool
	Code        int
	Reason      string

	// EventClosed (unintended), EventError
	Err error
}
