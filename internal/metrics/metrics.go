// Package metrics exposes Prometheus collectors for the ask pipeline
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snap_ask"

// Outcome labels for RequestsTotal
const (
	OutcomeSuccess     = "success"
	OutcomeBadRequest  = "bad_request"
	OutcomeNoText      = "no_text"
	OutcomeSafety      = "safety_rejected"
	OutcomeTooLarge    = "too_large"
	OutcomeUnsupported = "unsupported_media"
	OutcomeError       = "error"
)

// Metrics holds the collectors registered for one process
type Metrics struct {
	gatherer prometheus.Gatherer

	RequestsTotal *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	OCRConfidence prometheus.Histogram
	UploadBytes   prometheus.Histogram
	InFlight      prometheus.Gauge
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Ask requests by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		OCRConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_confidence",
			Help:      "Mean word confidence reported by the OCR engine.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of accepted image uploads.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Ask requests currently being handled.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.StageDuration, m.OCRConfidence, m.UploadBytes, m.InFlight)
	return m
}

// ObserveOutcome counts a finished request. Safe on a nil receiver
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long stage took
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveConfidence records an OCR confidence score
func (m *Metrics) ObserveConfidence(c float64) {
	if m == nil {
		return
	}
	m.OCRConfidence.Observe(c)
}

// ObserveUpload records the size of an accepted upload
func (m *Metrics) ObserveUpload(n int64) {
	if m == nil {
		return
	}
	m.UploadBytes.Observe(float64(n))
}

// Track increments the in-flight gauge and returns its release
func (m *Metrics) Track() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
