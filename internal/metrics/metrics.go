package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "podqueue"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	submissions     *prometheus.CounterVec
	completed       prometheus.Counter
	failed          prometheus.Counter
	workerErrors    prometheus.Counter
	attemptDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submitted source URLs by deduplication decision.",
		}, []string{"decision"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that finished with an artifact.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that finished with an error.",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Unexpected worker loop errors.",
		}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a processing attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
	reg.MustRegister(
		m.submissions, m.completed, m.failed, m.workerErrors, m.attemptDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(decision string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Attempt(succeeded bool, took time.Duration) {
	if m == nil {
		return
	}
	if succeeded {
		m.completed.Inc()
	} else {
		m.failed.Inc()
	}
	m.attemptDuration.Observe(took.Seconds())
}

func (m *Metrics) WorkerError() {
	if m == nil {
		return
	}
	m.workerErrors.Inc()
}
