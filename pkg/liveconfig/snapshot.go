package liveconfig

import (
	"slices"
	"time"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// Snapshot is a read-only copy of a Config taken when a session connects.
type Snapshot struct {
	c Config
}

// Model returns the model id sent in setup.
func (s Snapshot) Model() string { return s.c.Model }

// Voice returns the prebuilt voice.
func (s Snapshot) Voice() Voice { return s.c.Voice }

// Temperature returns the sampling temperature.
func (s Snapshot) Temperature() float64 { return s.c.Temperature }

// SystemInstructions returns the system prompt, possibly empty.
func (s Snapshot) SystemInstructions() string { return s.c.SystemInstructions }

// Grounding reports whether Google Search grounding is on.
func (s Snapshot) Grounding() bool { return s.c.Grounding }

// InputTranscription reports whether user speech is transcribed.
func (s Snapshot) InputTranscription() bool { return s.c.InputTranscription }

// OutputTranscription reports whether model speech is transcribed.
func (s Snapshot) OutputTranscription() bool { return s.c.OutputTranscription }

// ActivityDetection returns the voice activity settings.
func (s Snapshot) ActivityDetection() ActivityDetection { return s.c.ActivityDetection }

// Modalities returns a copy of the requested response modalities.
func (s Snapshot) Modalities() []Modality { return slices.Clone(s.c.ResponseModalities) }

// Tools returns a copy of the enabled tool names.
func (s Snapshot) Tools() []string { return slices.Clone(s.c.Tools) }

// ToolEnabled reports whether name may be advertised. Always false
// while grounding is on.
func (s Snapshot) ToolEnabled(name string) bool {
	return !s.c.Grounding && slices.Contains(s.c.Tools, name)
}

// Config returns a mutable copy of the snapshotted configuration.
func (s Snapshot) Config() Config {
	c := s.c
	c.ResponseModalities = slices.Clone(c.ResponseModalities)
	c.Tools = slices.Clone(c.Tools)
	return c
}

// ModelURI returns the fully qualified publisher model path.
func (s Snapshot) ModelURI() string {
	return protocol.ModelURI(s.c.ProjectID, s.c.Location, s.c.Model)
}

// Setup builds the handshake message. decls are advertised only when
// grounding is off.
func (s Snapshot) Setup(decls []protocol.FunctionDeclaration) protocol.ClientMessage {
	c := s.c

	modalities := make([]string, len(c.ResponseModalities))
	for i, m := range c.ResponseModalities {
		modalities[i] = string(m)
	}

	setup := &protocol.Setup{
		Model: s.ModelURI(),
		GenerationConfig: protocol.GenerationConfig{
			ResponseModalities:    modalities,
			Temperature:           c.Temperature,
			EnableAffectiveDialog: c.AffectiveDialog,
			SpeechConfig: &protocol.SpeechConfig{VoiceConfig: protocol.VoiceConfig{
				PrebuiltVoiceConfig: protocol.PrebuiltVoiceConfig{VoiceName: string(c.Voice)},
			}},
		},
		RealtimeInputConfig: &protocol.RealtimeInputConfig{
			AutomaticActivityDetection: protocol.ActivityDetection{
				Disabled:                 c.ActivityDetection.Disabled,
				SilenceDurationMs:        ms(c.ActivityDetection.SilenceDuration),
				PrefixPaddingMs:          ms(c.ActivityDetection.PrefixPadding),
				EndOfSpeechSensitivity:   string(orDefault(c.ActivityDetection.EndSensitivity, EndSensitivityUnspecified)),
				StartOfSpeechSensitivity: string(orDefault(c.ActivityDetection.StartSensitivity, StartSensitivityUnspecified)),
			},
		},
	}

	if c.SystemInstructions != "" {
		setup.SystemInstruction = &protocol.Content{Parts: []protocol.Part{{Text: c.SystemInstructions}}}
	}
	if c.ProactiveAudio {
		setup.Proactivity = &protocol.Proactivity{ProactiveAudio: true}
	}
	if c.InputTranscription {
		setup.InputAudioTranscription = &struct{}{}
	}
	if c.OutputTranscription {
		setup.OutputAudioTranscription = &struct{}{}
	}

	if c.Grounding {
		setup.Tools = []protocol.Tool{{GoogleSearch: &struct{}{}}}
	} else if len(decls) > 0 {
		setup.Tools = []protocol.Tool{{FunctionDeclarations: decls}}
	}

	return protocol.ClientMessage{Setup: setup}
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func orDefault(s, def Sensitivity) Sensitivity {
	if s == "" {
		return def
	}
	return s
}
