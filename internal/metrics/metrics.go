package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cloudnetproc/internal/domain"
)

const namespace = "cnp"

// Metrics holds the processing counters on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
	attempts *prometheus.CounterVec
	execute  *prometheus.HistogramVec
	queue    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Task outcomes by action, status and reason.",
		}, []string{"action", "status", "reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Execution attempts by result.",
		}, []string{"result"}),
		execute: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_seconds",
			Help:      "Time spent executing one task attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"action"}),
		queue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_tasks_total",
			Help:      "Queue task transitions.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(m.outcomes, m.attempts, m.execute, m.queue)
	return m
}

// Attempt records one execution attempt and its duration.
func (m *Metrics) Attempt(t domain.Task, o domain.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	result := string(o.Status)
	if o.Failure != domain.FailureNone {
		result = string(o.Failure)
	}
	m.attempts.WithLabelValues(result).Inc()
	m.execute.WithLabelValues(string(t.Action)).Observe(took.Seconds())
}

// Outcome records the final outcome of a task.
func (m *Metrics) Outcome(t domain.Task, o domain.Outcome) {
	if m == nil {
		return
	}
	reason := string(o.Reason)
	if o.Failure != domain.FailureNone {
		reason = string(o.Failure)
	}
	m.outcomes.WithLabelValues(string(t.Action), string(o.Status), reason).Inc()
}

// Queue counts a queue event: published, received, completed, retried or failed.
func (m *Metrics) Queue(event string) {
	if m == nil {
		return
	}
	m.queue.WithLabelValues(event).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
