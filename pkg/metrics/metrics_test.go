package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("Write: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", &pb)
	return 0
}

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetState("", "connected")
	m.RecordFrame("TEXT")
	m.RecordTool("show_alert", nil, time.Millisecond)
	m.RoomOpened()
	m.RecordArchive("gcs", errors.New("x"), time.Second)
}

func TestCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordFrame("AUDIO")
	m.RecordFrame("AUDIO")
	m.RecordFrame("TEXT")
	if got := value(t, m.FramesReceived.WithLabelValues("AUDIO")); got != 2 {
		t.Errorf("AUDIO frames = %v, want 2", got)
	}

	m.SetState("", "connecting")
	m.SetState("connecting", "connected")
	if got := value(t, m.SessionState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
	if got := value(t, m.SessionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}

	m.RecordTool("show_alert", errors.New("bad args"), 5*time.Millisecond)
	if got := value(t, m.ToolCalls.WithLabelValues("show_alert", "error")); got != 1 {
		t.Errorf("tool errors = %v, want 1", got)
	}

	m.ClientJoined()
	m.ClientJoined()
	m.ClientLeft()
	if got := value(t, m.RelayClients); got != 1 {
		t.Errorf("clients = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := newTestMetrics()
	m.RecordChunk("audio")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `go_live_chunks_sent_total{medium="audio"} 1`) {
		t.Errorf("metrics output missing chunk counter:\n%s", body)
	}
}
