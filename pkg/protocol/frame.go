// Package protocol defines the typed frames exchanged with a Gemini Live
// session and their JSON wire encoding.
//
// Inbound server messages are decoded into one or more Frames. Outbound
// messages are built as ClientMessage values and encoded as JSON text frames.
package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage indicates a malformed message was received.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Kind is the closed set of inbound frame kinds.
type Kind int

const (
	// KindUnknown is anything the decoder did not recognise.
	KindUnknown Kind = iota
	KindText
	KindAudio
	KindInputTranscription
	KindOutputTranscription
	KindSetupComplete
	KindToolCall
	KindTurnComplete
	KindInterrupted
	KindError
)

var kindNames = [...]string{
	KindUnknown:             "UNKNOWN",
	KindText:                "TEXT",
	KindAudio:               "AUDIO",
	KindInputTranscription:  "INPUT_TRANSCRIPTION",
	KindOutputTranscription: "OUTPUT_TRANSCRIPTION",
	KindSetupComplete:       "SETUP_COMPLETE",
	KindToolCall:            "TOOL_CALL",
	KindTurnComplete:        "TURN_COMPLETE",
	KindInterrupted:         "INTERRUPTED",
	KindError:               "ERROR",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Transcription is a streaming speech-to-text fragment.
type Transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished"`
}

// FunctionCall is one tool invocation requested by the agent.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Frame is one discrete typed message received from the agent.
// Only the fields relevant to Kind are populated.
type Frame struct {
	Kind Kind

	// KindText
	Text string

	// KindAudio: raw PCM16 bytes as decoded from base64.
	Audio    []byte
	MimeType string

	// KindInputTranscription, KindOutputTranscription
	Transcription Transcription

	// KindToolCall
	FunctionCalls []FunctionCall

	// KindError
	Err string

	// Raw holds the undecoded message for KindUnknown and KindSetupComplete.
	Raw []byte

	// Setup is the handshake the client sent. The transport sets it on the
	// KindSetupComplete frame that answers it.
	Setup []byte
}

func (f Frame) String() string {
	switch f.Kind {
	case KindText:
		return fmt.Sprintf("%s(%q)", f.Kind, f.Text)
	case KindAudio:
		return fmt.Sprintf("%s(%d bytes, %s)", f.Kind, len(f.Audio), f.MimeType)
	case KindInputTranscription, KindOutputTranscription:
		return fmt.Sprintf("%s(%q, finished=%v)", f.Kind, f.Transcription.Text, f.Transcription.Finished)
	case KindToolCall:
		return fmt.Sprintf("%s(%d calls)", f.Kind, len(f.FunctionCalls))
	case KindError:
		return fmt.Sprintf("%s(%s)", f.Kind, f.Err)
	default:
		return f.Kind.String()
	}
}
