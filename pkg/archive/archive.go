// Package archive buffers conversation records per session and client and
// writes them to durable storage when a session is flushed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-live/pkg/metrics"
)

// ErrClosed indicates the logger was closed.
var ErrClosed = errors.New("archive: closed")

// Record is one archived line.
type Record struct {
	Session   string    `json:"session_id"`
	Client    string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
}

// Batch is every buffered record of one client in one session.
type Batch struct {
	Session string
	Client  string
	Records []Record
}

// Sink persists batches.
type Sink interface {
	Write(ctx context.Context, b Batch) error
	Name() string
	Close() error
}

// ObjectPath returns sessions/{YYYY-MM}/{DD}/{session}/{client}.jsonl for t.
func ObjectPath(t time.Time, session, client string) string {
	t = t.UTC()
	return fmt.Sprintf("sessions/%s/%s/%s/%s.jsonl", t.Format("2006-01"), t.Format("02"), session, client)
}

// DefaultWorkers is the number of concurrent sink writes.
const DefaultWorkers = 4

// Logger buffers records in memory and hands them to a Sink on Flush.
// Writes run on a small worker pool so callers never wait on storage.
type Logger struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	buffer map[string]map[string][]Record
	closed bool

	jobs chan Batch
	wg   sync.WaitGroup
}

// NewLogger starts a logger writing to sink. m may be nil.
func NewLogger(sink Sink, m *metrics.Metrics, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		sink:    sink,
		logger:  logger.With("component", "archive", "sink", sink.Name()),
		metrics: m,
		now:     time.Now,
		buffer:  make(map[string]map[string][]Record),
		jobs:    make(chan Batch, 64),
	}
	for range DefaultWorkers {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Log buffers one record.
func (l *Logger) Log(session, client, sender, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	clients, ok := l.buffer[session]
	if !ok {
		clients = make(map[string][]Record)
		l.buffer[session] = clients
	}
	clients[client] = append(clients[client], Record{
		Session:   session,
		Client:    client,
		Timestamp: l.now().UTC(),
		Sender:    sender,
		Text:      text,
	})
}

// Pending returns the number of buffered records for session.
func (l *Logger) Pending(session string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, recs := range l.buffer[session] {
		n += len(recs)
	}
	return n
}

// Flush queues every buffered record of session for writing. It returns
// once the batches are queued, not written.
func (l *Logger) Flush(session string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.flushLocked(session)
	}
}

func (l *Logger) flushLocked(session string) {
	for client, recs := range l.buffer[session] {
		if len(recs) > 0 {
			l.jobs <- Batch{Session: session, Client: client, Records: recs}
		}
	}
	delete(l.buffer, session)
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for b := range l.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		start := time.Now()
		err := l.sink.Write(ctx, b)
		cancel()
		l.metrics.RecordArchive(l.sink.Name(), err, time.Since(start))
		if err != nil {
			l.logger.Error("archive write failed", "session", b.Session, "client", b.Client, "records", len(b.Records), "error", err)
			continue
		}
		l.logger.Debug("archived", "session", b.Session, "client", b.Client, "records", len(b.Records))
	}
}

// Close flushes every session, waits for pending writes and closes the
// sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	for session := range l.buffer {
		l.flushLocked(session)
	}
	l.closed = true
	l.mu.Unlock()

	close(l.jobs)
	l.wg.Wait()
	return l.sink.Close()
}
