package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Camera session state
	CameraActive    atomic.Uint64 // 0 = inactive, 1 = active
	PreviewClients  atomic.Int64
	PreviewFrames   atomic.Uint64
	DetectsInFlight atomic.Int64

	acquisitions  *prometheus.CounterVec
	releases      prometheus.Counter
	captures      *prometheus.CounterVec
	detections    *prometheus.CounterVec
	detectLatency prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crack_camera_acquisitions_total",
			Help: "Camera stream acquisitions by outcome",
		},
		[]string{"outcome"},
	)
	m.releases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crack_camera_releases_total",
		Help: "Camera streams released",
	})
	m.captures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crack_camera_captures_total",
			Help: "Still frame captures by outcome",
		},
		[]string{"outcome"},
	)
	m.detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crack_detection_requests_total",
			Help: "Detection requests by outcome",
		},
		[]string{"outcome"},
	)
	m.detectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crack_detection_latency_seconds",
		Help:    "Round trip latency of detection requests",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.registry.MustRegister(m.acquisitions, m.releases, m.captures, m.detections, m.detectLatency)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crack_camera_active",
			Help: "Camera session active (0=inactive, 1=active)",
		},
		func() float64 { return float64(m.CameraActive.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crack_preview_clients",
			Help: "Number of connected live preview clients",
		},
		func() float64 { return float64(m.PreviewClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crack_preview_frames_total",
			Help: "Total preview frames broadcast",
		},
		func() float64 { return float64(m.PreviewFrames.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crack_detection_in_flight",
			Help: "Detection requests currently outstanding",
		},
		func() float64 { return float64(m.DetectsInFlight.Load()) },
	))
}

// ObserveAcquisition counts a camera acquisition attempt by outcome
// (ok, permission_denied, device_unavailable, superseded).
func (m *Metrics) ObserveAcquisition(outcome string) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.CameraActive.Store(1)
	}
}

// ObserveRelease counts a released stream and marks the camera inactive when active is false.
func (m *Metrics) ObserveRelease(active bool) {
	if m == nil {
		return
	}
	m.releases.Inc()
	if !active {
		m.CameraActive.Store(0)
	}
}

// ObserveCapture counts a still frame capture.
func (m *Metrics) ObserveCapture(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.captures.WithLabelValues(outcome).Inc()
}

// DetectStarted marks a detection request as outstanding.
func (m *Metrics) DetectStarted() {
	if m == nil {
		return
	}
	m.DetectsInFlight.Add(1)
}

// DetectFinished records the outcome and latency of a detection request.
func (m *Metrics) DetectFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DetectsInFlight.Add(-1)
	m.detections.WithLabelValues(outcome).Inc()
	m.detectLatency.Observe(duration.Seconds())
}

// DetectRejected records a request refused before any network I/O.
func (m *Metrics) DetectRejected(outcome string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(outcome).Inc()
}

// PreviewClientDelta adjusts the preview client gauge.
func (m *Metrics) PreviewClientDelta(delta int64) {
	if m == nil {
		return
	}
	m.PreviewClients.Add(delta)
}

// PreviewFrameSent counts a broadcast preview frame.
func (m *Metrics) PreviewFrameSent() {
	if m == nil {
		return
	}
	m.PreviewFrames.Add(1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns a standalone metrics HTTP server bound to addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
