package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RefreshMetrics tracks token refresh outcomes for the monitoring endpoint.
type RefreshMetrics struct {
	attempts  *prometheus.CounterVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

func NewRefreshMetrics(reg prometheus.Registerer) *RefreshMetrics {
	factory := promauto.With(reg)

	return &RefreshMetrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_token_refresh_attempts_total",
			Help: "Token refresh attempts by provider.",
		}, []string{"provider"}),
		successes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_token_refresh_successes_total",
			Help: "Successful token refreshes by provider and method.",
		}, []string{"provider", "method"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_token_refresh_failures_total",
			Help: "Failed token refreshes by provider and classified error type.",
		}, []string{"provider", "error_type"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_token_refresh_duration_seconds",
			Help:    "Token refresh latency by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
	}
}

func (m *RefreshMetrics) ObserveAttempt(provider string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider).Inc()
}

func (m *RefreshMetrics) ObserveSuccess(provider, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.successes.WithLabelValues(provider, method).Inc()
	m.latency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *RefreshMetrics) ObserveFailure(provider, errorType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(provider, errorType).Inc()
}
