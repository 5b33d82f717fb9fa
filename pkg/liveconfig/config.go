// Package liveconfig holds the user-facing session configuration and the
// immutable snapshot taken at connect time.
package liveconfig

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Voice is a prebuilt agent voice.
type Voice string

const (
	VoicePuck   Voice = "Puck"
	VoiceCharon Voice = "Charon"
	VoiceKore   Voice = "Kore"
	VoiceFenrir Voice = "Fenrir"
	VoiceAoede  Voice = "Aoede"
	VoiceLeda   Voice = "Leda"
	VoiceOrus   Voice = "Orus"
	VoiceZephyr Voice = "Zephyr"
)

// Voices lists every supported voice in display order.
var Voices = []Voice{VoicePuck, VoiceCharon, VoiceKore, VoiceFenrir, VoiceAoede, VoiceLeda, VoiceOrus, VoiceZephyr}

// Sensitivity is a speech start/end detection sensitivity.
type Sensitivity string

const (
	StartSensitivityUnspecified Sensitivity = "START_SENSITIVITY_UNSPECIFIED"
	StartSensitivityHigh        Sensitivity = "START_SENSITIVITY_HIGH"
	StartSensitivityLow         Sensitivity = "START_SENSITIVITY_LOW"

	EndSensitivityUnspecified Sensitivity = "END_SENSITIVITY_UNSPECIFIED"
	EndSensitivityHigh        Sensitivity = "END_SENSITIVITY_HIGH"
	EndSensitivityLow         Sensitivity = "END_SENSITIVITY_LOW"
)

// Modality is a response modality requested from the agent.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Temperature bounds.
const (
	MinTemperature = 0.1
	MaxTemperature = 2.0
)

var (
	ErrInvalidTemperature = errors.New("liveconfig: temperature must be between 0.1 and 2.0")
	ErrInvalidVoice       = errors.New("liveconfig: unknown voice")
	ErrInvalidSensitivity = errors.New("liveconfig: unknown sensitivity")
	ErrNoModality         = errors.New("liveconfig: at least one response modality required")
	ErrNoModel            = errors.New("liveconfig: model required")
)

// ActivityDetection configures server-side voice activity detection.
type ActivityDetection struct {
	Disabled         bool
	SilenceDuration  time.Duration
	PrefixPadding    time.Duration
	EndSensitivity   Sensitivity
	StartSensitivity Sensitivity
}

// Config is the mutable, user-editable session configuration.
type Config struct {
	ProjectID string
	Location  string
	Model     string

	SystemInstructions string
	Voice              Voice
	Temperature        float64
	ResponseModalities []Modality

	ProactiveAudio  bool
	AffectiveDialog bool

	ActivityDetection ActivityDetection

	InputTranscription  bool
	OutputTranscription bool

	// Grounding advertises search grounding only. Custom tools are
	// suppressed while it is on.
	Grounding bool

	// Tools names the registered tools to advertise.
	Tools []string
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Location:           "us-central1",
		Model:              "gemini-live-2.5-flash-native-audio",
		SystemInstructions: "You are a helpful assistant.",
		Voice:              VoicePuck,
		Temperature:        1.0,
		ResponseModalities: []Modality{ModalityAudio},
		ProactiveAudio:     true,
		AffectiveDialog:    true,
		ActivityDetection: ActivityDetection{
			SilenceDuration:  500 * time.Millisecond,
			PrefixPadding:    500 * time.Millisecond,
			EndSensitivity:   EndSensitivityUnspecified,
			StartSensitivity: StartSensitivityUnspecified,
		},
		InputTranscription:  true,
		OutputTranscription: true,
		Tools:               []string{"show_alert"},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Model == "" {
		return ErrNoModel
	}
	if c.Temperature < MinTemperature || c.Temperature > MaxTemperature {
		return fmt.Errorf("%w: got %v", ErrInvalidTemperature, c.Temperature)
	}
	if !slices.Contains(Voices, c.Voice) {
		return fmt.Errorf("%w: %q", ErrInvalidVoice, c.Voice)
	}
	if len(c.ResponseModalities) == 0 {
		return ErrNoModality
	}
	switch c.ActivityDetection.StartSensitivity {
	case "", StartSensitivityUnspecified, StartSensitivityHigh, StartSensitivityLow:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSensitivity, c.ActivityDetection.StartSensitivity)
	}
	switch c.ActivityDetection.EndSensitivity {
	case "", EndSensitivityUnspecified, EndSensitivityHigh, EndSensitivityLow:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSensitivity, c.ActivityDetection.EndSensitivity)
	}
	if c.ActivityDetection.SilenceDuration < 0 || c.ActivityDetection.PrefixPadding < 0 {
		return errors.New("liveconfig: activity detection durations must be non-negative")
	}
	return nil
}

// WithVoice returns a copy with the voice set.
func (c Config) WithVoice(v Voice) Config {
	c.Voice = v
	return c
}

// WithSystemInstructions returns a copy with the system instructions set.
func (c Config) WithSystemInstructions(s string) Config {
	c.SystemInstructions = s
	return c
}

// WithGrounding returns a copy with grounding toggled.
func (c Config) WithGrounding(on bool) Config {
	c.Grounding = on
	return c
}

// WithProject returns a copy targeting project and location.
func (c Config) WithProject(project, location string) Config {
	c.ProjectID = project
	if location != "" {
		c.Location = location
	}
	return c
}

// Freeze validates c and returns an immutable snapshot of it.
func (c Config) Freeze() (Snapshot, error) {
	if err := c.Validate(); err != nil {
		return Snapshot{}, err
	}
	c.ResponseModalities = slices.Clone(c.ResponseModalities)
	c.Tools = slices.Clone(c.Tools)
	return Snapshot{c: c}, nil
}
