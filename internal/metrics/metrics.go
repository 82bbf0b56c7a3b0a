package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kiosk's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Scans           prometheus.Counter
	Outcomes        *prometheus.CounterVec
	DecodeWarnings  prometheus.Counter
	CaptureErrors   *prometheus.CounterVec
	CameraActive    prometheus.Gauge
	ConfirmDuration prometheus.Histogram
}

// New creates and registers all metrics, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Scans: f.NewCounter(prometheus.CounterOpts{
			Name: "rollgo_scans_total",
			Help: "Total number of QR codes decoded from the camera",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollgo_outcomes_total",
			Help: "Attendance outcomes shown to the operator, by kind",
		}, []string{"kind"}),
		DecodeWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "rollgo_decode_warnings_total",
			Help: "Frames the decoder failed on (not counting frames without a code)",
		}),
		CaptureErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollgo_capture_errors_total",
			Help: "Camera start failures, by kind",
		}, []string{"kind"}),
		CameraActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "rollgo_camera_active",
			Help: "1 while a capture session is bound",
		}),
		ConfirmDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollgo_confirm_duration_seconds",
			Help:    "Duration of confirm requests (lookup and insert)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// IncrementScans records a decoded code.
func (m *Metrics) IncrementScans() {
	m.Scans.Inc()
}

// IncrementOutcome records an outcome of the given kind.
func (m *Metrics) IncrementOutcome(kind string) {
	m.Outcomes.WithLabelValues(kind).Inc()
}

// IncrementDecodeWarnings records a decoder failure.
func (m *Metrics) IncrementDecodeWarnings() {
	m.DecodeWarnings.Inc()
}

// IncrementCaptureError records a camera failure of the given kind.
func (m *Metrics) IncrementCaptureError(kind string) {
	m.CaptureErrors.WithLabelValues(kind).Inc()
}

// SetCameraActive mirrors the capture session state.
func (m *Metrics) SetCameraActive(active bool) {
	if active {
		m.CameraActive.Set(1)
		return
	}
	m.CameraActive.Set(0)
}

// ObserveConfirm records the duration of a confirm request.
// Call with time.Now() at the start of the request.
func (m *Metrics) ObserveConfirm(start time.Time) {
	m.ConfirmDuration.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
