// Package metrics holds the Prometheus collectors of the voice-clone-service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	Requests        *prometheus.CounterVec
	GenerateSeconds *prometheus.HistogramVec
	QueueWait       prometheus.Histogram
	InFlight        prometheus.Gauge
	ResultsRemoved  *prometheus.CounterVec
	WorkerJobs      *prometheus.CounterVec
}

var generationBuckets = []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160}

var metrics = &Metrics{
	Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_clone",
		Subsystem: "http",
		Name:      "requests_total",
	}, []string{"route", "status"}),
	GenerateSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voice_clone",
		Subsystem: "inference",
		Name:      "generate_seconds",
		Buckets:   generationBuckets,
	}, []string{"result"}),
	QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voice_clone",
		Subsystem: "inference",
		Name:      "queue_wait_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}),
	InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voice_clone",
		Subsystem: "inference",
		Name:      "in_flight",
	}),
	ResultsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_clone",
		Subsystem: "results",
		Name:      "removed_total",
	}, []string{"reason"}),
	WorkerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_clone",
		Subsystem: "worker",
		Name:      "jobs_total",
	}, []string{"result"}),
}

// Reasons a result file is removed.
const (
	RemovedReleased = "released"
	RemovedExpired  = "expired"
)

// Outcome labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// RegisterMetrics registers every collector with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(metrics.Requests)
	reg.MustRegister(metrics.GenerateSeconds)
	reg.MustRegister(metrics.QueueWait)
	reg.MustRegister(metrics.InFlight)
	reg.MustRegister(metrics.ResultsRemoved)
	reg.MustRegister(metrics.WorkerJobs)
}

// Get returns the process-wide collectors.
func Get() *Metrics {
	return metrics
}

// ObserveRequest counts a finished HTTP request.
func ObserveRequest(route string, status int) {
	metrics.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObserveGeneration records how long a model call took and whether it failed.
func ObserveGeneration(elapsed time.Duration, err error) {
	metrics.GenerateSeconds.WithLabelValues(outcome(err)).Observe(elapsed.Seconds())
}

// ObserveQueueWait records how long a call waited for an inference slot.
func ObserveQueueWait(waited time.Duration) {
	metrics.QueueWait.Observe(waited.Seconds())
}

// ResultRemoved counts a deleted result file.
func ResultRemoved(reason string) {
	metrics.ResultsRemoved.WithLabelValues(reason).Inc()
}

// ObserveWorkerJob counts a pipeline job.
func ObserveWorkerJob(err error) {
	metrics.WorkerJobs.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return ResultError
	}

	return ResultOK
}
