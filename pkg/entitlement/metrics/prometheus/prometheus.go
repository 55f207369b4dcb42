// Package prommetrics provides a Prometheus implementation of the
// entitlement.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	quotaChecksTotal  *prometheus.CounterVec
	commitsTotal      *prometheus.CounterVec
	rolloversTotal    prometheus.Counter
	storageOpDuration *prometheus.HistogramVec
	storageOpErrors   *prometheus.CounterVec
}

// NewMetrics creates a Prometheus metrics implementation registered with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		quotaChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metering",
			Name:      "quota_checks_total",
			Help:      "Total number of daily quota checks by tier and outcome.",
		}, []string{"tier", "outcome"}),

		commitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metering",
			Name:      "commits_total",
			Help:      "Total number of usage commit attempts by tier and status.",
		}, []string{"tier", "status"}),

		rolloversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metering",
			Name:      "rollovers_total",
			Help:      "Total number of daily usage counter resets.",
		}),

		storageOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "metering",
			Name:      "storage_operation_duration_seconds",
			Help:      "Duration of entitlement storage operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metering",
			Name:      "storage_operation_errors_total",
			Help:      "Total number of failed entitlement storage operations.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordQuotaCheck(tier string, outcome string) {
	m.quotaChecksTotal.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) RecordCommit(tier string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.commitsTotal.WithLabelValues(tier, status).Inc()
}

func (m *Metrics) RecordRollover() {
	m.rolloversTotal.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpErrors.WithLabelValues(operation).Inc()
	}
}
