package archive

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink writes records to a logger. It is used when no durable sink is
// configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, b Batch) error {
	for _, r := range b.Records {
		s.logger.Info("transcript", "session", r.Session, "client", r.Client, "sender", r.Sender, "text", r.Text)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MemorySink keeps batches in memory.
type MemorySink struct {
	mu      sync.Mutex
	batches []Batch
	closed  bool
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

// Batches returns what was written so far.
func (s *MemorySink) Batches() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
