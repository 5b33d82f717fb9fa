// Package router applies inbound protocol frames to the transcript, the
// audio player and the tool dispatcher.
package router

import (
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-live/pkg/protocol"
	"github.com/teslashibe/go-live/pkg/transcript"
)

// Transcript receives text. *transcript.Assembler satisfies it.
type Transcript interface {
	Apply(ev transcript.Event) int
}

// Player receives agent audio. *media.AudioPlayer satisfies it.
type Player interface {
	Play(pcm []byte)
	Interrupt()
}

// Dispatcher runs tool calls. *tools.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(calls []protocol.FunctionCall)
}

// Level is a notification severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a transient message for the user.
type Notification struct {
	Level   Level
	Message string
}

// Status is the last protocol milestone seen.
type Status struct {
	Kind protocol.Kind

	// Setup is the handshake echoed on SETUP_COMPLETE.
	Setup []byte
}

// Markers written to the transcript as system entries.
const (
	MarkerReady       = "Ready!"
	MarkerInterrupted = "[Interrupted]"
)

// Router maps frames to side effects. Route must be called from a single
// goroutine.
type Router struct {
	transcript Transcript
	player     Player
	dispatcher Dispatcher
	logger     *slog.Logger

	onStatus       func(Status)
	onNotification func(Notification)
}

// New creates a router. player and dispatcher may be nil. A nil logger
// uses slog.Default().
func New(t Transcript, player Player, dispatcher Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		transcript: t,
		player:     player,
		dispatcher: dispatcher,
		logger:     logger.With("component", "router"),
	}
}

// SetPlayer swaps the audio player.
func (r *Router) SetPlayer(p Player) { r.player = p }

// OnStatus sets the status callback.
func (r *Router) OnStatus(fn func(Status)) { r.onStatus = fn }

// OnNotification sets the notification callback.
func (r *Router) OnNotification(fn func(Notification)) { r.onNotification = fn }

// Route applies one frame.
func (r *Router) Route(f protocol.Frame) {
	switch f.Kind {
	case protocol.KindText:
		r.add(transcript.RoleAssistant, f.Text, transcript.ModeAdd, true)

	case protocol.KindAudio:
		if r.player != nil {
			r.player.Play(f.Audio)
		}

	case protocol.KindInputTranscription:
		r.add(transcript.RoleUserTranscript, f.Transcription.Text, transcript.ModeAppend, f.Transcription.Finished)

	case protocol.KindOutputTranscription:
		r.add(transcript.RoleAssistant, f.Transcription.Text, transcript.ModeAppend, f.Transcription.Finished)

	case protocol.KindSetupComplete:
		r.add(transcript.RoleSystem, MarkerReady, transcript.ModeAdd, true)
		r.status(Status{Kind: f.Kind, Setup: f.Setup})

	case protocol.KindToolCall:
		for _, c := range f.FunctionCalls {
			r.logger.Info("tool call", "tool", c.Name, "id", c.ID, "args", c.Args)
		}
		if r.dispatcher != nil && len(f.FunctionCalls) > 0 {
			r.dispatcher.Dispatch(f.FunctionCalls)
		}

	case protocol.KindTurnComplete:
		r.status(Status{Kind: f.Kind})

	case protocol.KindInterrupted:
		r.add(transcript.RoleSystem, MarkerInterrupted, transcript.ModeAdd, true)
		if r.player != nil {
			r.player.Interrupt()
		}

	case protocol.KindError:
		r.add(transcript.RoleSystem, fmt.Sprintf("[Protocol Error: %s]", f.Err), transcript.ModeAdd, true)
		r.notify(Notification{Level: LevelError, Message: "Protocol error: " + f.Err})

	default:
		r.logger.Debug("dropping unknown frame", "kind", f.Kind, "raw", string(f.Raw))
		return
	}

	if f.Kind != protocol.KindAudio {
		r.logger.Debug("routed frame", "frame", f.String())
	}
}

func (r *Router) add(role transcript.Role, text string, mode transcript.Mode, finished bool) {
	r.transcript.Apply(transcript.Event{Role: role, Text: text, Mode: mode, Finished: finished})
}

func (r *Router) status(s Status) {
	if r.onStatus != nil {
		r.onStatus(s)
	}
}

func (r *Router) notify(n Notification) {
	if r.onNotification != nil {
		r.onNotification(n)
	}
}
