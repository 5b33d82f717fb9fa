package router

import (
	"testing"

	"github.com/teslashibe/go-live/pkg/protocol"
	"github.com/teslashibe/go-live/pkg/transcript"
)

type fakePlayer struct {
	queue       [][]byte
	interrupted int
}

func (p *fakePlayer) Play(pcm []byte) { p.queue = append(p.queue, pcm) }
func (p *fakePlayer) Interrupt()      { p.queue = nil; p.interrupted++ }

type fakeDispatcher struct {
	calls []protocol.FunctionCall
}

func (d *fakeDispatcher) Dispatch(calls []protocol.FunctionCall) {
	d.calls = append(d.calls, calls...)
}

func newTestRouter() (*Router, *transcript.Assembler, *fakePlayer, *fakeDispatcher) {
	a := transcript.NewAssembler()
	p := &fakePlayer{}
	d := &fakeDispatcher{}
	return New(a, p, d, nil), a, p, d
}

func TestTranscriptionFlow(t *testing.T) {
	r, a, _, _ := newTestRouter()

	r.Route(protocol.Frame{Kind: protocol.KindInputTranscription, Transcription: protocol.Transcription{Text: "Hi "}})
	r.Route(protocol.Frame{Kind: protocol.KindInputTranscription, Transcription: protocol.Transcription{Text: "there", Finished: true}})
	r.Route(protocol.Frame{Kind: protocol.KindOutputTranscription, Transcription: protocol.Transcription{Text: "Hel"}})
	r.Route(protocol.Frame{Kind: protocol.KindOutputTranscription, Transcription: protocol.Transcription{Text: "lo"}})
	r.Route(protocol.Frame{Kind: protocol.KindOutputTranscription, Transcription: protocol.Transcription{Finished: true}})

	log := a.Snapshot()
	if len(log) != 2 {
		t.Fatalf("len(log) = %d, want 2: %+v", len(log), log)
	}
	if log[0].Role != transcript.RoleUserTranscript || log[0].Text != "Hi there" || !log[0].Finished {
		t.Errorf("log[0] = %+v", log[0])
	}
	if log[1].Role != transcript.RoleAssistant || log[1].Text != "Hello" || !log[1].Finished {
		t.Errorf("log[1] = %+v", log[1])
	}
}

func TestInterruptedFlushesPlayer(t *testing.T) {
	r, a, p, _ := newTestRouter()

	r.Route(protocol.Frame{Kind: protocol.KindAudio, Audio: []byte{1, 2}})
	r.Route(protocol.Frame{Kind: protocol.KindAudio, Audio: []byte{3, 4}})
	if len(p.queue) != 2 {
		t.Fatalf("queue = %d, want 2", len(p.queue))
	}

	r.Route(protocol.Frame{Kind: protocol.KindInterrupted})
	if len(p.queue) != 0 || p.interrupted != 1 {
		t.Errorf("after interrupt queue = %d, interrupted = %d", len(p.queue), p.interrupted)
	}
	log := a.Snapshot()
	if log[len(log)-1].Text != MarkerInterrupted {
		t.Errorf("last entry = %+v", log[len(log)-1])
	}
}

func TestSetupCompleteStatus(t *testing.T) {
	r, a, _, _ := newTestRouter()
	var got Status
	r.OnStatus(func(s Status) { got = s })

	r.Route(protocol.Frame{Kind: protocol.KindSetupComplete, Setup: []byte(`{"setup":{}}`)})
	if got.Kind != protocol.KindSetupComplete || string(got.Setup) != `{"setup":{}}` {
		t.Errorf("status = %+v", got)
	}
	if a.Snapshot()[0].Text != MarkerReady {
		t.Errorf("first entry = %+v", a.Snapshot()[0])
	}
}

func TestToolCallsDispatchedInOrder(t *testing.T) {
	r, _, _, d := newTestRouter()
	r.Route(protocol.Frame{Kind: protocol.KindToolCall, FunctionCalls: []protocol.FunctionCall{
		{ID: "1", Name: "a"}, {ID: "2", Name: "unknown"},
	}})
	if len(d.calls) != 2 || d.calls[0].ID != "1" || d.calls[1].ID != "2" {
		t.Errorf("dispatched = %+v", d.calls)
	}
}

func TestErrorNotifies(t *testing.T) {
	r, a, _, _ := newTestRouter()
	var notes []Notification
	r.OnNotification(func(n Notification) { notes = append(notes, n) })

	r.Route(protocol.Frame{Kind: protocol.KindError, Err: "quota"})
	if len(notes) != 1 || notes[0].Level != LevelError {
		t.Errorf("notifications = %+v", notes)
	}
	if got := a.Snapshot()[0].Text; got != "[Protocol Error: quota]" {
		t.Errorf("entry = %q", got)
	}
}

func TestUnknownDropped(t *testing.T) {
	r, a, p, d := newTestRouter()
	r.Route(protocol.Frame{Kind: protocol.KindUnknown, Raw: []byte(`{"x":1}`)})
	r.Route(protocol.Frame{Kind: protocol.KindTurnComplete})
	if a.Len() != 0 || len(p.queue) != 0 || len(d.calls) != 0 {
		t.Error("unknown or turn-complete frame had side effects")
	}
}

func TestNilPlayer(t *testing.T) {
	r := New(transcript.NewAssembler(), nil, nil, nil)
	r.Route(protocol.Frame{Kind: protocol.KindAudio, Audio: []byte{1}})
	r.Route(protocol.Frame{Kind: protocol.KindInterrupted})
	r.Route(protocol.Frame{Kind: protocol.KindToolCall, FunctionCalls: []protocol.FunctionCall{{Name: "x"}}})
}

func TestTextIsFinishedEntry(t *testing.T) {
	r, a, _, _ := newTestRouter()

	r.Route(protocol.Frame{Kind: protocol.KindText, Text: "one"})
	r.Route(protocol.Frame{Kind: protocol.KindText, Text: "two"})

	log := a.Snapshot()
	if len(log) != 2 {
		t.Fatalf("len(log) = %d, want 2", len(log))
	}
	for i, want := range []string{"one", "two"} {
		if log[i].Role != transcript.RoleAssistant || log[i].Text != want || !log[i].Finished {
			t.Errorf("log[%d] = %+v", i, log[i])
		}
	}
}

func TestSystemMarkersFinished(t *testing.T) {
	r, a, _, _ := newTestRouter()
	var archived []string
	a.OnFinished(func(e transcript.Entry) { archived = append(archived, e.Text) })

	r.Route(protocol.Frame{Kind: protocol.KindSetupComplete})
	r.Route(protocol.Frame{Kind: protocol.KindInterrupted})
	r.Route(protocol.Frame{Kind: protocol.KindError, Err: "quota"})

	want := []string{MarkerReady, MarkerInterrupted, "[Protocol Error: quota]"}
	log := a.Snapshot()
	if len(log) != len(want) {
		t.Fatalf("len(log) = %d, want %d: %+v", len(log), len(want), log)
	}
	for i, e := range log {
		if e.Role != transcript.RoleSystem || e.Text != want[i] || !e.Finished {
			t.Errorf("log[%d] = %+v, want finished system %q", i, e, want[i])
		}
	}
	if len(archived) != len(want) {
		t.Errorf("OnFinished fired %d times, want %d: %q", len(archived), len(want), archived)
	}
}
