package transcript

import (
	"sync"
	"time"
)

// Assembler is the single writer of a Log. Readers receive copies.
type Assembler struct {
	mu  sync.RWMutex
	log Log
	now func() time.Time

	onFinished func(Entry)
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// OnFinished sets a callback invoked once for each entry that becomes
// finished. It is called with the lock released.
func (a *Assembler) OnFinished(fn func(Entry)) {
	a.mu.Lock()
	a.onFinished = fn
	a.mu.Unlock()
}

// Apply folds ev into the log and returns the resulting length.
func (a *Assembler) Apply(ev Event) int {
	if ev.At.IsZero() {
		ev.At = a.now()
	}

	a.mu.Lock()
	prev := a.log
	next := Reduce(prev, ev)
	a.log = next
	fn := a.onFinished
	a.mu.Unlock()

	if fn != nil {
		if e, ok := newlyFinished(prev, next); ok {
			fn(e)
		}
	}
	return len(next)
}

// Add starts a new entry.
func (a *Assembler) Add(role Role, text string, finished bool) int {
	return a.Apply(Event{Role: role, Text: text, Mode: ModeAdd, Finished: finished})
}

// Append concatenates text onto the open entry for role.
func (a *Assembler) Append(role Role, text string, finished bool) int {
	return a.Apply(Event{Role: role, Text: text, Mode: ModeAppend, Finished: finished})
}

// Replace overwrites the open entry for role.
func (a *Assembler) Replace(role Role, text string, finished bool) int {
	return a.Apply(Event{Role: role, Text: text, Mode: ModeReplace, Finished: finished})
}

// System adds a finished system marker.
func (a *Assembler) System(text string) int {
	return a.Add(RoleSystem, text, true)
}

// Snapshot returns a copy of the current log.
func (a *Assembler) Snapshot() Log {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(Log, len(a.log))
	copy(out, a.log)
	return out
}

// Len returns the number of entries.
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.log)
}

// Reset clears the log.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.log = nil
	a.mu.Unlock()
}

// newlyFinished reports the last entry of next if it is finished and was
// not finished (or did not exist) in prev.
func newlyFinished(prev, next Log) (Entry, bool) {
	if len(next) == 0 {
		return Entry{}, false
	}
	last := next[len(next)-1]
	if !last.Finished {
		return Entry{}, false
	}
	if len(next) == len(prev) && prev[len(prev)-1].Finished {
		return Entry{}, false
	}
	return last, true
}
