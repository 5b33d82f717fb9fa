package protocol

import (
	"encoding/json"
	"strings"
)

// Relay control frames.
var (
	PingFrame          = []byte(`{"ping":true}`)
	PongFrame          = []byte(`{"pong":true}`)
	SetupCompleteFrame = []byte(`{"setupComplete":{}}`)
)

// Envelope is a shallow view of a client frame used by the relay to route
// it without decoding the payload.
type Envelope struct {
	Ping  bool
	Setup bool
	Model string
}

// Inspect reports which top-level fields a client frame carries.
func Inspect(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, ErrInvalidMessage
	}
	var env Envelope
	if p, ok := raw["ping"]; ok {
		var b bool
		_ = json.Unmarshal(p, &b)
		env.Ping = b
	}
	if s, ok := raw["setup"]; ok {
		env.Setup = true
		var setup struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(s, &setup)
		env.Model = setup.Model
	}
	return env, nil
}

// ParsePreamble decodes the relay preamble.
func ParsePreamble(data []byte) (Preamble, error) {
	var p Preamble
	if err := json.Unmarshal(data, &p); err != nil {
		return Preamble{}, ErrInvalidMessage
	}
	return p, nil
}

// RewriteModel replaces the model id after "/models/" in a setup frame with
// modelID. Frames that are not setup messages are returned unchanged.
func RewriteModel(data []byte, modelID string) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidMessage
	}
	s, ok := raw["setup"]
	if !ok || modelID == "" {
		return data, nil
	}
	var setup map[string]json.RawMessage
	if err := json.Unmarshal(s, &setup); err != nil {
		return nil, ErrInvalidMessage
	}
	var model string
	if m, ok := setup["model"]; ok {
		_ = json.Unmarshal(m, &model)
	}
	rewritten := ReplaceModelID(model, modelID)
	if rewritten == model {
		return data, nil
	}
	setup["model"], _ = json.Marshal(rewritten)
	raw["setup"], _ = json.Marshal(setup)
	return json.Marshal(raw)
}

// ReplaceModelID swaps the trailing model segment of a publisher model URI.
// URIs without a "/models/" segment are returned unchanged.
func ReplaceModelID(uri, modelID string) string {
	i := strings.Index(uri, "/models/")
	if i < 0 {
		return uri
	}
	return uri[:i+len("/models/")] + modelID
}

// ModelURI builds projects/{p}/locations/{l}/publishers/google/models/{m}.
func ModelURI(project, location, model string) string {
	return "projects/" + project + "/locations/" + location + "/publishers/google/models/" + model
}

// ServiceURL returns the Vertex AI Live websocket endpoint for location.
func ServiceURL(location string) string {
	return "wss://" + location + "-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent"
}
