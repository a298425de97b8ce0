// Package metrics holds the worker's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

const namespace = "photo_ingest"

type Metrics struct {
	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	images         *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	pollErrors     prometheus.Counter
	heartbeatFails prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Queue messages handled, by final job status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent on one queue message.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Messages currently being processed.",
		}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Images persisted, by record status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage", "outcome"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed queue receives.",
		}),
		heartbeatFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Failed visibility extensions.",
		}),
	}
	reg.MustRegister(m.jobs, m.jobDuration, m.inFlight, m.images, m.stageDuration, m.pollErrors, m.heartbeatFails)
	return m
}

func (m *Metrics) JobStarted() { m.inFlight.Inc() }

func (m *Metrics) JobFinished(status string, d time.Duration) {
	m.inFlight.Dec()
	m.jobs.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) ImagePersisted(status schema.ImageStatus) {
	m.images.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) PollError() { m.pollErrors.Inc() }

func (m *Metrics) HeartbeatFailed() { m.heartbeatFails.Inc() }

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
