// Package transcript folds streaming text fragments into an ordered
// conversation log.
package transcript

import (
	"strings"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser           Role = "user"
	RoleUserTranscript Role = "user-transcript"
	RoleAssistant      Role = "assistant"
	RoleSystem         Role = "system"
)

// Mode says how an event combines with the last entry.
type Mode int

const (
	// ModeAdd always starts a new entry.
	ModeAdd Mode = iota
	// ModeAppend concatenates onto an open entry of the same role.
	ModeAppend
	// ModeReplace overwrites an open entry of the same role.
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeReplace:
		return "replace"
	default:
		return "add"
	}
}

// Event is one fragment to fold into the log.
type Event struct {
	Role     Role
	Text     string
	Mode     Mode
	Finished bool
	At       time.Time
}

// Entry is one utterance in the log. Once Finished is true the entry
// never changes again.
type Entry struct {
	Role     Role      `json:"role"`
	Text     string    `json:"text"`
	Finished bool      `json:"finished"`
	At       time.Time `json:"at"`
}

// Log is an ordered transcript.
type Log []Entry

// Reduce returns the log that results from applying ev to log. The input
// slice is never modified.
func Reduce(log Log, ev Event) Log {
	if ev.Mode != ModeAdd && len(log) > 0 {
		last := log[len(log)-1]
		if last.Role == ev.Role && !last.Finished {
			switch ev.Mode {
			case ModeAppend:
				last.Text += ev.Text
			case ModeReplace:
				if strings.TrimSpace(ev.Text) != "" {
					last.Text = ev.Text
				}
			}
			if ev.Finished {
				last.Finished = true
			}
			out := make(Log, len(log))
			copy(out, log)
			out[len(out)-1] = last
			return out
		}
	}

	if strings.TrimSpace(ev.Text) == "" && !ev.Finished {
		return log
	}

	out := make(Log, len(log), len(log)+1)
	copy(out, log)
	return append(out, Entry{Role: ev.Role, Text: ev.Text, Finished: ev.Finished, At: ev.At})
}
