package live

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-live/pkg/router"
	"github.com/teslashibe/go-live/pkg/tools"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventType identifies a session event.
type EventType int

const (
	// EventState reports a lifecycle transition.
	EventState EventType = iota
	// EventStatus reports a protocol milestone (setup or turn complete).
	EventStatus
	// EventNotification carries a transient user-facing message.
	EventNotification
	// EventReconnecting fires before each reconnect attempt.
	EventReconnecting
	// EventToolResult reports a finished tool call.
	EventToolResult
	// EventPlayback fires when agent audio starts and when it drains.
	EventPlayback
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventStatus:
		return "status"
	case EventNotification:
		return "notification"
	case EventReconnecting:
		return "reconnecting"
	case EventToolResult:
		return "tool_result"
	case EventPlayback:
		return "playback"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one session event. Only the fields for Type are set.
type Event struct {
	Type EventType

	// EventState
	State State
	Prev  State

	// EventStatus
	Status router.Status

	// EventNotification
	Notification router.Notification

	// EventReconnecting
	Attempt int
	Delay   time.Duration

	// EventToolResult
	Result tools.Result

	// EventPlayback
	Playing bool

	// EventState into Closed after a failure
	Err error
}
