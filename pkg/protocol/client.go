package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Mime types for outbound media chunks.
const (
	MimeJPEG = "image/jpeg"
	MimePCM  = "audio/pcm"
)

// Preamble is the first text frame sent to the relay. It tells the relay
// which upstream to dial and which room to join.
type Preamble struct {
	BearerToken string `json:"bearer_token,omitempty"`
	ServiceURL  string `json:"service_url,omitempty"`
	SessionID   string `json:"session_id"`
}

// ClientMessage is the envelope for every message sent after the preamble.
// Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtime_input,omitempty"`
	ClientContent *ClientContent `json:"client_content,omitempty"`
	ToolResponse  *ToolResponse  `json:"tool_response,omitempty"`
}

// Setup configures a session. It must be the first ClientMessage.
type Setup struct {
	Model                    string               `json:"model"`
	GenerationConfig         GenerationConfig     `json:"generation_config"`
	SystemInstruction        *Content             `json:"system_instruction,omitempty"`
	Tools                    []Tool               `json:"tools,omitempty"`
	RealtimeInputConfig      *RealtimeInputConfig `json:"realtime_input_config,omitempty"`
	InputAudioTranscription  *struct{}            `json:"input_audio_transcription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"output_audio_transcription,omitempty"`
	Proactivity              *Proactivity         `json:"proactivity,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities    []string      `json:"response_modalities"`
	Temperature           float64       `json:"temperature"`
	SpeechConfig          *SpeechConfig `json:"speech_config,omitempty"`
	EnableAffectiveDialog bool          `json:"enable_affective_dialog,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voice_config"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text,omitempty"`
}

// Tool is either a set of function declarations or the grounding search tool.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"function_declarations,omitempty"`
	GoogleSearch         *struct{}             `json:"google_search,omitempty"`
}

// FunctionDeclaration describes a callable tool to the agent.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Behavior    string         `json:"behavior,omitempty"`
}

type RealtimeInputConfig struct {
	AutomaticActivityDetection ActivityDetection `json:"automatic_activity_detection"`
}

type ActivityDetection struct {
	Disabled                 bool   `json:"disabled"`
	SilenceDurationMs        int    `json:"silence_duration_ms"`
	PrefixPaddingMs          int    `json:"prefix_padding_ms"`
	EndOfSpeechSensitivity   string `json:"end_of_speech_sensitivity"`
	StartOfSpeechSensitivity string `json:"start_of_speech_sensitivity"`
}

type Proactivity struct {
	ProactiveAudio bool `json:"proactive_audio"`
}

type RealtimeInput struct {
	MediaChunks []Blob `json:"media_chunks"`
}

// Blob is a base64 encoded media chunk.
type Blob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turn_complete"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"function_responses"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// NewAudioInput wraps a PCM16 chunk captured at rate Hz.
func NewAudioInput(pcm []byte, rate int) ClientMessage {
	mime := MimePCM
	if rate > 0 {
		mime = fmt.Sprintf("%s;rate=%d", MimePCM, rate)
	}
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []Blob{{MimeType: mime, Data: base64.StdEncoding.EncodeToString(pcm)}},
	}}
}

// NewVideoInput wraps one JPEG frame.
func NewVideoInput(jpeg []byte) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []Blob{{MimeType: MimeJPEG, Data: base64.StdEncoding.EncodeToString(jpeg)}},
	}}
}

// NewTextTurn sends a complete user turn containing text.
func NewTextTurn(text string) ClientMessage {
	return ClientMessage{ClientContent: &ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// NewToolResponse reports the result of a single function call.
func NewToolResponse(call FunctionCall, response map[string]any) ClientMessage {
	if response == nil {
		response = map[string]any{}
	}
	return ClientMessage{ToolResponse: &ToolResponse{
		FunctionResponses: []FunctionResponse{{ID: call.ID, Name: call.Name, Response: response}},
	}}
}

// Encode marshals a client message to a JSON text frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
