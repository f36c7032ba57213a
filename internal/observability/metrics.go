package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	OpenConnections   prometheus.Gauge
	Messages          *prometheus.CounterVec
	DroppedSends      *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec
	PlaybackChunks    *prometheus.CounterVec
	MicFrames         *prometheus.CounterVec
	VideoFrames       *prometheus.CounterVec
	Uploads           *prometheus.CounterVec
	Lifecycle         *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers instruments on a private registry so several
// clients can live in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		OpenConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of open session transports.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Session messages by direction and type.",
		}, []string{"direction", "type"}),
		DroppedSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Outbound messages dropped because the transport was not open.",
		}, []string{"type"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by reason.",
		}, []string{"reason"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport errors by variant and kind.",
		}, []string{"variant", "kind"}),
		PlaybackChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_total",
			Help:      "Playback chunks by backend and result.",
		}, []string{"backend", "result"}),
		MicFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mic_frames_total",
			Help:      "Captured microphone frames by outcome.",
		}, []string{"outcome"}),
		VideoFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_total",
			Help:      "Camera frames by outcome.",
		}, []string{"outcome"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_uploads_total",
			Help:      "Transcript uploads by result.",
		}, []string{"result"}),
		Lifecycle: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Session expiries and mic gate releases.",
		}, []string{"event"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from user input to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
	}
}

func (m *Metrics) Message(direction, msgType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) DroppedSend(msgType string) {
	if m == nil {
		return
	}
	m.DroppedSends.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransportError(variant, kind string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(variant, kind).Inc()
}

func (m *Metrics) SetOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.OpenConnections.Inc()
		return
	}
	m.OpenConnections.Dec()
}

func (m *Metrics) PlaybackChunk(backend, result string) {
	if m == nil {
		return
	}
	m.PlaybackChunks.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) MicFrame(outcome string) {
	if m == nil {
		return
	}
	m.MicFrames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VideoFrame(outcome string) {
	if m == nil {
		return
	}
	m.VideoFrames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(result).Inc()
}

// LifecycleEvent counts events such as "session_expired" or
// "mic_gate_released".
func (m *Metrics) LifecycleEvent(event string) {
	if m == nil {
		return
	}
	m.Lifecycle.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// Gatherer exposes the private registry, e.g. for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

// Handler serves this instance's metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}
