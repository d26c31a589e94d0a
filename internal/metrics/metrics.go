// Package metrics exposes the deployment coordinator's Prometheus
// metrics: dispatch volume, build outcomes, and publication retries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipit_webhooks_total",
			Help: "Total number of inbound webhooks by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipit_deployments_total",
			Help: "Total number of completed deployments by outcome",
		},
		[]string{"outcome"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipit_deployment_duration_seconds",
			Help:    "Deployment duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	DeploymentsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shipit_deployments_cancelled_total",
			Help: "Total number of deployments cancelled by a displacing claim",
		},
	)

	PublicationPushAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shipit_publication_push_attempts_total",
			Help: "Total number of publication push attempts across all transactions",
		},
	)

	PublicationRetriesExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shipit_publication_retries_exhausted_total",
			Help: "Total number of publication transactions that exhausted their retry budget",
		},
	)

	PublicationTransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shipit_publication_transaction_duration_seconds",
			Help:    "Time taken for a publication transaction to complete, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	StatusPostFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipit_status_post_failures_total",
			Help: "Total number of failed best-effort status posts to the code-forge",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(WebhooksTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(DeploymentsCancelledTotal)
	prometheus.MustRegister(PublicationPushAttemptsTotal)
	prometheus.MustRegister(PublicationRetriesExhaustedTotal)
	prometheus.MustRegister(PublicationTransactionDuration)
	prometheus.MustRegister(StatusPostFailuresTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
