// Package tools maps agent function calls to local handlers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownTool   = errors.New("tools: unknown tool")
	ErrDuplicateTool = errors.New("tools: duplicate tool")
	ErrInvalidTool   = errors.New("tools: tool needs a name and a handler")
)

// Mode controls whether the agent waits for a tool's result.
type Mode int

const (
	// Blocking tools pause the agent's turn until the response arrives.
	Blocking Mode = iota
	// NonBlocking tools let the agent keep talking while they run.
	NonBlocking
)

func (m Mode) behavior() string {
	if m == NonBlocking {
		return "NON_BLOCKING"
	}
	return ""
}

// Handler executes a tool call. The returned value is sent back to the
// agent as the "result" field of the function response.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a function that the agent can invoke during a session.
type Tool struct {
	// Name is the unique identifier for the tool (e.g., "show_alert").
	Name string

	// Description explains what the tool does, helping the agent decide when to use it.
	Description string

	// Parameters is the JSON schema for the tool's arguments.
	// Example:
	//   map[string]any{
	//       "type": "object",
	//       "properties": map[string]any{
	//           "message": map[string]any{"type": "string"},
	//       },
	//       "required": []string{"message"},
	//   }
	Parameters map[string]any

	Mode    Mode
	Handler Handler
}

// Call is one invocation requested by the agent.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is the outcome of a Call.
type Result struct {
	CallID   string
	Name     string
	Value    any
	Err      error
	Duration time.Duration
}

// Response returns the payload sent back to the agent.
func (r Result) Response() map[string]any {
	if r.Err != nil {
		return map[string]any{"error": r.Err.Error()}
	}
	if r.Value == nil {
		return map[string]any{"result": "ok"}
	}
	return map[string]any{"result": r.Value}
}

// UnknownToolError carries the name the agent asked for.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("%v: %q", ErrUnknownTool, e.Name)
}

func (e *UnknownToolError) Unwrap() error {
	return ErrUnknownTool
}
