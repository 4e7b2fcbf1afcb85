package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Float64 is an atomic float stored as its bit pattern
type Float64 struct {
	bits atomic.Uint64
}

func (f *Float64) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
func (f *Float64) Load() float64   { return math.Float64frombits(f.bits.Load()) }

// Metrics holds the session counters
type Metrics struct {
	// Capture loop
	FramesCaptured  atomic.Uint64
	FramesAccepted  atomic.Uint64
	FramesThrottled atomic.Uint64
	CaptureErrors   atomic.Uint64
	EdgeMapsSent    atomic.Uint64

	// Encoding and transport
	FramesEncoded   atomic.Uint64
	EncodeFallbacks atomic.Uint64
	EncodeErrors    atomic.Uint64
	BatchesSent     atomic.Uint64
	BatchesDropped  atomic.Uint64
	TransportErrors atomic.Uint64
	Reconnects      atomic.Uint64

	// Detections
	DetectionsReceived  atomic.Uint64
	DetectionsConfirmed atomic.Uint64
	JournalErrors       atomic.Uint64

	// Gauges
	CurrentFPS        Float64
	MotionScore       Float64
	ViolenceScore     Float64
	AverageConfidence Float64
	Connected         atomic.Uint64 // 0 = disconnected, 1 = connected
	EncodeLatencyMs   atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"nexara_frames_captured_total", "Frames read from the source", &m.FramesCaptured},
		{"nexara_frames_accepted_total", "Frames accepted by the rate controller", &m.FramesAccepted},
		{"nexara_frames_throttled_total", "Frames skipped by the rate controller", &m.FramesThrottled},
		{"nexara_capture_errors_total", "Source read errors", &m.CaptureErrors},
		{"nexara_edge_maps_sent_total", "Edge maps published to the local hub", &m.EdgeMapsSent},
		{"nexara_frames_encoded_total", "Frames encoded to JPEG", &m.FramesEncoded},
		{"nexara_encode_fallbacks_total", "Frames encoded on the synchronous path", &m.EncodeFallbacks},
		{"nexara_encode_errors_total", "Frames that could not be encoded", &m.EncodeErrors},
		{"nexara_batches_sent_total", "Frame batches sent for analysis", &m.BatchesSent},
		{"nexara_batches_dropped_total", "Frame batches dropped while disconnected", &m.BatchesDropped},
		{"nexara_transport_errors_total", "Transport error events", &m.TransportErrors},
		{"nexara_reconnects_total", "Successful reconnects to the analysis service", &m.Reconnects},
		{"nexara_detections_received_total", "Detection results received", &m.DetectionsReceived},
		{"nexara_detections_confirmed_total", "Detections confirmed by temporal smoothing", &m.DetectionsConfirmed},
		{"nexara_journal_errors_total", "Failed journal writes", &m.JournalErrors},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nexara_capture_fps",
			Help: "Current target capture rate",
		},
		m.CurrentFPS.Load,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nexara_motion_score",
			Help: "Last motion score in [0, 1]",
		},
		m.MotionScore.Load,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nexara_violence_probability",
			Help: "Last reported violence probability",
		},
		m.ViolenceScore.Load,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nexara_average_confidence",
			Help: "Windowed average violence probability",
		},
		m.AverageConfidence.Load,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nexara_transport_connected",
			Help: "Analysis service connection (0=disconnected, 1=connected)",
		},
		func() float64 { return float64(m.Connected.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nexara_encode_latency_ms",
			Help: "Last frame encode latency in milliseconds",
		},
		func() float64 { return float64(m.EncodeLatencyMs.Load()) },
	))
}

// SetConnected records the transport state
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.Connected.Store(1)
	} else {
		m.Connected.Store(0)
	}
}

// UpdateEncodeLatency stores how long the last encode took
func (m *Metrics) UpdateEncodeLatency(d time.Duration) {
	m.EncodeLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
