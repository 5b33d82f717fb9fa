// Package metrics provides Prometheus metrics for sessions, the relay and
// the transcript archive.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "go_live"

// Metrics holds every collector. All methods are safe on a nil *Metrics,
// which records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Session metrics
	SessionState      *prometheus.GaugeVec
	FramesReceived    *prometheus.CounterVec
	ChunksSent        *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Reconnects        *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	Notifications     *prometheus.CounterVec

	// Relay metrics
	RelayRooms     prometheus.Gauge
	RelayClients   prometheus.Gauge
	RelayMessages  *prometheus.CounterVec
	RelayRejected  *prometheus.CounterVec
	UpstreamDials  *prometheus.CounterVec
	UpstreamLength prometheus.Histogram

	// Archive metrics
	ArchiveWrites  *prometheus.CounterVec
	ArchiveLatency *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns a process-wide instance registered on the default
// Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultMetrics
}

// New creates and registers all collectors on reg. gather backs Handler.
func New(reg prometheus.Registerer, gather prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gather,

		SessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the state each session is currently in",
		}, []string{"state"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound protocol frames by kind",
		}, []string{"kind"}),
		ChunksSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Outbound media chunks by medium",
		}, []string{"medium"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled",
		}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect cycles by outcome",
		}, []string{"outcome"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"tool"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User notifications by level",
		}, []string{"level"}),

		RelayRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_rooms_active",
			Help:      "Rooms with an upstream connection",
		}),
		RelayClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients_active",
			Help:      "Connected relay clients",
		}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relayed messages by direction",
		}, []string{"direction"}),
		RelayRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rejected_total",
			Help:      "Rejected relay clients by reason",
		}, []string{"reason"}),
		UpstreamDials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_upstream_dials_total",
			Help:      "Upstream dials by result",
		}, []string{"result"}),
		UpstreamLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_upstream_lifetime_seconds",
			Help:      "Lifetime of upstream connections in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		}),

		ArchiveWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Archive batch writes by sink and result",
		}, []string{"sink", "result"}),
		ArchiveLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_write_latency_seconds",
			Help:      "Archive batch write latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"sink"}),
	}
}

// Handler serves the gathered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetState marks state as current and clears prev.
func (m *Metrics) SetState(prev, state string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.SessionState.WithLabelValues(prev).Dec()
	}
	m.SessionState.WithLabelValues(state).Inc()
}

// RecordFrame counts an inbound frame.
func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordChunk counts an outbound media chunk.
func (m *Metrics) RecordChunk(medium string) {
	if m == nil {
		return
	}
	m.ChunksSent.WithLabelValues(medium).Inc()
}

// RecordReconnectAttempt counts a scheduled attempt.
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordReconnect counts a finished reconnect cycle ("ok" or "gave_up").
func (m *Metrics) RecordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

// RecordTool records a tool invocation.
func (m *Metrics) RecordTool(tool string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordNotification counts a user notification.
func (m *Metrics) RecordNotification(level string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(level).Inc()
}

// RoomOpened and RoomClosed track rooms with a live upstream.
func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.RelayRooms.Inc()
}

func (m *Metrics) RoomClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.RelayRooms.Dec()
	m.UpstreamLength.Observe(lifetime.Seconds())
}

// ClientJoined and ClientLeft track relay clients.
func (m *Metrics) ClientJoined() {
	if m == nil {
		return
	}
	m.RelayClients.Inc()
}

func (m *Metrics) ClientLeft() {
	if m == nil {
		return
	}
	m.RelayClients.Dec()
}

// RecordRelayMessage counts a relayed message ("upstream", "downstream",
// "peer").
func (m *Metrics) RecordRelayMessage(direction string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction).Inc()
}

// RecordRejected counts a rejected relay client.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RelayRejected.WithLabelValues(reason).Inc()
}

// RecordDial counts an upstream dial.
func (m *Metrics) RecordDial(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UpstreamDials.WithLabelValues(result).Inc()
}

// RecordArchive records one archive batch write.
func (m *Metrics) RecordArchive(sink string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ArchiveWrites.WithLabelValues(sink, result).Inc()
	m.ArchiveLatency.WithLabelValues(sink).Observe(d.Seconds())
}
