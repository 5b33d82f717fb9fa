package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type serverMessage struct {
	SetupComplete json.RawMessage `json:"setupComplete"`
	ServerContent *serverContent  `json:"serverContent"`
	ToolCall      *toolCall       `json:"toolCall"`
	Error         json.RawMessage `json:"error"`
	Pong          bool            `json:"pong"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn"`
	InputTranscription  *Transcription `json:"inputTranscription"`
	OutputTranscription *Transcription `json:"outputTranscription"`
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
}

type modelTurn struct {
	Parts []serverPart `json:"parts"`
}

type serverPart struct {
	Text       string      `json:"text"`
	InlineData *inlineData `json:"inlineData"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// Decode parses one server message into frames in document order.
// A pong reply from the relay decodes to no frames. Unrecognised
// messages decode to a single KindUnknown frame carrying the raw bytes.
func Decode(data []byte) ([]Frame, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var frames []Frame

	if msg.SetupComplete != nil {
		frames = append(frames, Frame{Kind: KindSetupComplete, Raw: data})
	}

	if msg.ToolCall != nil {
		frames = append(frames, Frame{Kind: KindToolCall, FunctionCalls: msg.ToolCall.FunctionCalls})
	}

	if msg.Error != nil {
		frames = append(frames, Frame{Kind: KindError, Err: errorText(msg.Error)})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			frames = append(frames, Frame{Kind: KindInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && isAudio(part.InlineData.MimeType) {
					pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						return nil, fmt.Errorf("%w: audio payload: %v", ErrInvalidMessage, err)
					}
					if len(pcm) > 0 {
						frames = append(frames, Frame{Kind: KindAudio, Audio: pcm, MimeType: part.InlineData.MimeType})
					}
				}
				if part.Text != "" {
					frames = append(frames, Frame{Kind: KindText, Text: part.Text})
				}
			}
		}
		if sc.InputTranscription != nil {
			frames = append(frames, Frame{Kind: KindInputTranscription, Transcription: *sc.InputTranscription})
		}
		if sc.OutputTranscription != nil {
			frames = append(frames, Frame{Kind: KindOutputTranscription, Transcription: *sc.OutputTranscription})
		}
		if sc.TurnComplete {
			frames = append(frames, Frame{Kind: KindTurnComplete})
		}
	}

	if len(frames) == 0 && !msg.Pong {
		frames = append(frames, Frame{Kind: KindUnknown, Raw: data})
	}
	return frames, nil
}

func isAudio(mime string) bool {
	return strings.HasPrefix(mime, "audio/pcm")
}

// errorText accepts either {"message": "..."} or a bare string.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		if obj.Status != "" {
			return obj.Status + ": " + obj.Message
		}
		return obj.Message
	}
	return string(raw)
}
